package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"AuctionMesh/sdk/go/auctionmesh"
)

func main() {
	addr := flag.String("addr", envOr("AUCTIONMESH_URL", "http://127.0.0.1:8080"), "API base URL")
	text := flag.String("text", "collect the latest ETH gas prices\nsummarise them in one paragraph", "task text, one subtask per line")
	timeout := flag.Duration("timeout", 2*time.Minute, "how long to wait for the task")
	flag.Parse()

	client, err := auctionmesh.NewClient(*addr, nil)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	submitted, err := client.Submit(ctx, auctionmesh.SubmitRequest{RawText: *text})
	if err != nil {
		log.Fatalf("submit task: %v", err)
	}
	fmt.Printf("submitted %s (%s)\n", submitted.ID, submitted.Status)

	done, err := client.Wait(ctx, submitted.ID, time.Second)
	if err != nil {
		log.Fatalf("wait for task: %v", err)
	}
	fmt.Printf("task %s finished: %s\n", done.ID, done.Status)
	for _, st := range done.Subtasks {
		line := fmt.Sprintf("  #%d %-10s agent=%s", st.SequenceIndex, st.Status, st.AgentID)
		if st.FailureReason != "" {
			line += " reason=" + st.FailureReason
		}
		fmt.Println(line)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
