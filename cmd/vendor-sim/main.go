package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type tickPayload struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	AccuracyM  float64   `json:"accuracy"`
	CapturedAt time.Time `json:"captured_at"`
}

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	vendorID := flag.String("vendor-id", "sim-rose-farm", "Vendor identifier; also used as the MQTT client id")
	lat := flag.Float64("lat", 41.8781, "Starting latitude in degrees")
	lon := flag.Float64("lon", -87.6298, "Starting longitude in degrees")
	interval := flag.Duration("interval", 2*time.Second, "Interval between published location ticks")
	stepMeters := flag.Float64("step", 25, "Maximum distance moved per tick in meters")
	accuracy := flag.Float64("accuracy", 10, "Reported GPS accuracy in meters")

	flag.Parse()

	rand.Seed(time.Now().UnixNano())

	opts := mqtt.NewClientOptions().
		AddBroker(*brokerAddr).
		SetClientID(*vendorID).
		SetOrderMatters(false).
		SetAutoReconnect(false)

	client := mqtt.NewClient(opts)
	if err := connectWithRetry(client); err != nil {
		log.Fatalf("failed to connect to broker: %v", err)
	}
	log.Printf("connected to MQTT broker %s as %s", *brokerAddr, *vendorID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	topic := fmt.Sprintf("vendors/%s/location", *vendorID)
	curLat, curLon := *lat, *lon

	publish := func() {
		if !client.IsConnected() {
			log.Print("connection lost, reconnecting")
			if err := connectWithRetry(client); err != nil {
				log.Printf("reconnect failed: %v", err)
				return
			}
		}

		curLat, curLon = step(curLat, curLon, *stepMeters)
		payload := tickPayload{
			Latitude:   curLat,
			Longitude:  curLon,
			AccuracyM:  *accuracy,
			CapturedAt: time.Now().UTC(),
		}

		data, err := json.Marshal(payload)
		if err != nil {
			log.Printf("failed to encode payload: %v", err)
			return
		}

		token := client.Publish(topic, 0, false, data)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("publish error: %v", err)
			return
		}
		log.Printf("published %s lat=%.6f lon=%.6f", topic, curLat, curLon)
	}

	publish()

	for {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-ticker.C:
			publish()
		}
	}
}

func connectWithRetry(client mqtt.Client) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = 2 * time.Minute

	return backoff.Retry(func() error {
		token := client.Connect()
		token.Wait()
		return token.Error()
	}, policy)
}

// step moves up to stepMeters in a random direction, converting meters to
// degrees at the current latitude.
func step(lat, lon, stepMeters float64) (float64, float64) {
	const metersPerDegLat = 111320.0

	bearing := rand.Float64() * 2 * math.Pi
	dist := rand.Float64() * stepMeters

	dLat := dist * math.Cos(bearing) / metersPerDegLat
	cosLat := math.Cos(lat * math.Pi / 180)
	if cosLat < 0.01 {
		cosLat = 0.01
	}
	dLon := dist * math.Sin(bearing) / (metersPerDegLat * cosLat)

	return lat + dLat, lon + dLon
}
