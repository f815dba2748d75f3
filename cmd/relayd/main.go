package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"collabroom/internal/relay"
)

func main() {
	bind := os.Getenv("RELAY_BIND")
	if bind == "" {
		bind = ":8081"
	}

	var auth *relay.Authorizer
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		var err error
		auth, err = relay.NewAuthorizer(context.Background(), dbURL)
		if err != nil {
			log.Fatalf("Unable to connect to database: %v", err)
		}
		log.Println("Connected to PostgreSQL, api key validation enabled.")
	} else {
		log.Println("DATABASE_URL not set, accepting all api keys.")
	}

	var bridge *relay.Bridge
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		var err error
		bridge, err = relay.NewBridge(redisAddr)
		if err != nil {
			log.Fatalf("Could not connect to Redis: %v", err)
		}
		log.Println("Connected to Redis, cross-node bridging enabled.")
	}

	var store *relay.RetainStore
	statePath := os.Getenv("RELAY_STATE_PATH")
	if statePath == "" {
		statePath = "relay-state.db"
	}
	store, err := relay.OpenRetainStore(statePath)
	if err != nil {
		log.Fatalf("Could not open state store: %v", err)
	}

	srv := relay.NewServer(auth, store, bridge)
	defer srv.Close()

	if os.Getenv("RELAY_MDNS") != "" {
		port := portOf(bind)
		mdns, err := relay.Advertise(port)
		if err != nil {
			log.Printf("mDNS registration failed: %v", err)
		} else {
			defer mdns.Shutdown()
			log.Printf("mDNS service registered on port %d", port)
		}
	}

	log.Printf("collabroom relay starting on %s...", bind)
	if err := http.ListenAndServe(bind, srv.Router()); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

func portOf(bind string) int {
	idx := strings.LastIndex(bind, ":")
	if idx < 0 {
		return 8081
	}
	port, err := strconv.Atoi(bind[idx+1:])
	if err != nil {
		return 8081
	}
	return port
}
