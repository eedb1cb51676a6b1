package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

type envelope struct {
	UID     string `json:"uid,omitempty"`
	Topic   string `json:"topic,omitempty"`
	Payload string `json:"payload,omitempty"`
	Key     string `json:"key,omitempty"`
}

type response struct {
	RS     bool   `json:"rs"`
	Detail string `json:"detail"`
}

func main() {
	broker := flag.String("broker", "localhost:8080", "broker address (host:port)")
	topic := flag.String("topic", "", "topic name")
	key := flag.String("key", "", "record key")
	uid := flag.String("uid", "", "client-assigned uid, defaults to a generated one")
	payload := flag.String("payload", "{}", "record payload")
	flag.Parse()

	if *topic == "" {
		log.Fatal("topic is required (use -topic)")
	}
	if *uid == "" {
		*uid = fmt.Sprintf("uid-%d", time.Now().UnixNano())
	}

	env := envelope{UID: *uid, Topic: *topic, Payload: *payload, Key: *key}
	body, err := json.Marshal(env)
	if err != nil {
		log.Fatalf("failed to marshal envelope: %v", err)
	}

	url := fmt.Sprintf("http://%s/api/publish", *broker)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Fatalf("failed to publish: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("failed to read response: %v", err)
	}

	var result response
	if err := json.Unmarshal(respBody, &result); err != nil {
		log.Fatalf("failed to parse response: %v", err)
	}
	if !result.RS {
		log.Fatalf("publish rejected: %s", result.Detail)
	}

	fmt.Printf("published uid=%s topic=%s\n", *uid, *topic)
}
