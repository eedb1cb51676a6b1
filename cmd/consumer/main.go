package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

type envelope struct {
	UID     string   `json:"uid,omitempty"`
	Topic   string   `json:"topic,omitempty"`
	Payload string   `json:"payload,omitempty"`
	Cmd     string   `json:"cmd,omitempty"`
	Params  []string `json:"params,omitempty"`
	Offset  uint64   `json:"offset,omitempty"`
	Nonce   uint64   `json:"nonce,omitempty"`
}

func main() {
	broker := flag.String("broker", "localhost:8080", "broker address (host:port)")
	clientID := flag.String("client-id", "", "client id, defaults to a generated one")
	topics := flag.String("topics", "", "comma-separated list of topics to subscribe to")
	offset := flag.Uint64("offset", 0, "starting offset")
	count := flag.Int("count", 0, "number of messages to print before exiting (0 = run until interrupted)")
	flag.Parse()

	if *topics == "" {
		log.Fatal("topics is required (use -topics, comma-separated)")
	}
	if *clientID == "" {
		*clientID = fmt.Sprintf("cli-%d", time.Now().UnixNano())
	}
	topicList := strings.Split(*topics, ",")

	u := url.URL{Scheme: "ws", Host: *broker, Path: "/ws/" + *clientID}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	sub := envelope{Cmd: "subscribe", Params: topicList, Offset: *offset}
	if err := conn.WriteJSON(sub); err != nil {
		log.Fatalf("failed to send subscribe: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	received := make(chan envelope)
	go func() {
		for {
			var env envelope
			if err := conn.ReadJSON(&env); err != nil {
				close(received)
				return
			}
			received <- env
		}
	}()

	n := 0
	for {
		select {
		case env, ok := <-received:
			if !ok {
				fmt.Println("connection closed")
				return
			}
			if env.Topic == "" {
				continue // control frame
			}
			b, _ := json.Marshal(env)
			fmt.Printf("[%s] %s\n", time.Now().Format("15:04:05"), string(b))
			n++
			if *count > 0 && n >= *count {
				return
			}
		case <-sigCh:
			return
		}
	}
}
