// Package main runs a demo WebSocket client for journey ETA updates.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

type streamMessage struct {
	Type         string          `json:"type"`
	Journey      json.RawMessage `json:"journey,omitempty"`
	Notification json.RawMessage `json:"notification,omitempty"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	route := []byte(`{
		"id": "demo-route",
		"depot": {"lat": 40.7128, "lng": -74.0060},
		"startTime": "08:00",
		"stops": [
			{"id": "a", "lat": 40.7306, "lng": -73.9866, "serviceMinutes": 10},
			{"id": "b", "lat": 40.7484, "lng": -73.9857, "serviceMinutes": 10},
			{"id": "c", "lat": 40.7061, "lng": -74.0087, "serviceMinutes": 5, "positionClass": "fixed_last"}
		]
	}`)
	mustPost(base+"/v1/routes", route, nil)
	mustPost(base+"/v1/routes/demo-route/optimize", []byte(`{"exclusion":"hard"}`), nil)

	var journey struct {
		ID string `json:"id"`
	}
	mustPost(base+"/v1/routes/demo-route/journeys", []byte(`{"driverId":"demo-driver"}`), &journey)
	log.Info().Str("journey_id", journey.ID).Msg("journey created")

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/journeys/" + journey.ID + "/eta/ws"}
	hdr := http.Header{}
	hdr.Set("X-Role", "driver")
	hdr.Set("X-Driver-Id", "demo-driver")
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal().Err(err).Msg("dial")
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m streamMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Info().Err(err).Msg("stream closed")
				return
			}
			body := m.Notification
			if m.Type == "snapshot" {
				body = m.Journey
			}
			log.Info().Str("type", m.Type).RawJSON("body", body).Msg("ws <-")
		}
	}()

	// a late start shifts every ETA
	time.Sleep(500 * time.Millisecond)
	mustPost(base+"/v1/journeys/"+journey.ID+"/start", []byte(`{"actualStartTime":"08:25"}`), nil)
	mustPost(base+"/v1/journeys/"+journey.ID+"/stops/a/check-in", []byte(`{"time":"08:40"}`), nil)

	select {
	case <-time.After(2 * time.Second):
	case <-done:
	}
}

func mustPost(target string, body []byte, out any) {
	req, err := http.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		log.Fatal().Err(err).Msg("build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Role", "dispatcher")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal().Err(err).Str("url", target).Msg("request failed")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		log.Fatal().Int("status", resp.StatusCode).Str("url", target).Msg("unexpected status")
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatal().Err(err).Msg("decode")
		}
	}
}
