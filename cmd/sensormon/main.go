package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/robotalks/sensornode/pkg/measure"
	"github.com/robotalks/sensornode/pkg/mqtt"
)

var (
	mqttURL = "mqtt://localhost:1883/"
	topic   = "#"
	format  = "json"
)

func init() {
	if val := os.Getenv("SENSORNODE_MQTT_URL"); val != "" {
		mqttURL = val
	}
	flag.StringVar(&mqttURL, "mqtt", mqttURL, "MQTT broker URL.")
	flag.StringVar(&topic, "topic", topic, "Topic to watch.")
	flag.StringVar(&format, "format", format, "Payload format: json, influx or proto.")
}

func main() {
	flag.Parse()
	log.SetFlags(log.Lmicroseconds)

	f, err := measure.ParseFormat(format)
	if err != nil {
		log.Fatalln(err)
	}
	q, err := mqtt.NewQueueFromURL(mqttURL, "sensormon", nil)
	if err != nil {
		log.Fatalln(err)
	}

	q.Sub(topic, func(topic string, payload []byte) {
		if strings.HasSuffix(topic, "/ota/check") {
			log.Printf("%s: update check requested", topic)
			return
		}
		text, err := f.Describe(payload)
		if err != nil {
			log.Printf("%s: bad payload: %v", topic, err)
			return
		}
		log.Printf("%s: %s", topic, text)
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := q.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalln(err)
	}
}
