package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/wirechat-relay/internal/proto"
)

func main() {
	if err := run(); err != nil {
		log.Printf("ws_smoke: %v", err)
		os.Exit(1)
	}
}

// run sends one message and prints the room history until the echo of that
// message comes back through the relay.
func run() error {
	addr := flag.String("addr", "ws://localhost:8080/chat", "WebSocket address")
	sender := flag.String("sender", "tester", "sender name")
	room := flag.Int64("room", 1, "room id")
	content := flag.String("content", "hello from smoke test", "message content to send")
	timeout := flag.Duration("timeout", 5*time.Second, "total timeout for the run")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, *addr, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	sent := proto.Frame{RoomID: *room, Sender: *sender, Content: *content}
	if err := wsjson.Write(ctx, conn, sent); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	replayed := 0
	for {
		var frame proto.Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if frame == sent {
			fmt.Printf("echo received: room=%d sender=%s content=%q (after %d history frames)\n",
				frame.RoomID, frame.Sender, frame.Content, replayed)
			return nil
		}
		replayed++
		fmt.Printf("history: room=%d sender=%s content=%q\n", frame.RoomID, frame.Sender, frame.Content)
	}
}
