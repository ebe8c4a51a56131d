// Command peerchat is a terminal client for peer practice sessions. It finds
// a partner through the matcher, connects to the relay, and relays stdin
// lines as chat messages. `/ai` requests feedback, `/end` finishes the
// session. With REDIS_ADDR set, the conversation with each partner is also
// kept in the shared direct-channel history.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/asep/peerpractice/internal/directchat"
	"github.com/asep/peerpractice/internal/feedback"
	"github.com/asep/peerpractice/internal/message"
	"github.com/asep/peerpractice/internal/practice"
	"github.com/asep/peerpractice/internal/transport"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("skipping .env: %v", err)
	}

	matcherURL := envOr("MATCHER_URL", "http://localhost:8080/api")
	relayURL := envOr("RELAY_URL", "ws://localhost:8084/ws")
	token := os.Getenv("TOKEN")
	selfName := envOr("USER_NAME", "learner")

	selfID, err := strconv.ParseInt(envOr("USER_ID", "1"), 10, 64)
	if err != nil {
		log.Fatalf("bad USER_ID: %v", err)
	}

	cfg := transport.DefaultConfig()
	cfg.URL = relayURL
	cfg.Token = token
	adapter := transport.New(cfg)

	matcher := practice.NewMatcherClient(matcherURL, token)
	manager := practice.NewManager(matcher, adapter, selfID, selfName)
	orchestrator := feedback.New(adapter, selfID, selfName)

	// Optional shared direct-channel history.
	var direct *directchat.Store
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		direct = directchat.NewStore(directchat.NewRedisBus(client))
	}

	adapter.OnMessage(func(in transport.Inbound) {
		if orchestrator.Resolve(in.Msg) {
			fmt.Printf("\n[AI] %s\n> ", in.Msg.Content)
			return
		}
		manager.HandleInbound(in)
	})
	// Each side records only its own messages in the shared history, so the
	// same message is never written twice.
	manager.OnMessage(func(msg message.Message) {
		if msg.SenderID != nil && *msg.SenderID == selfID {
			recordDirect(direct, manager, selfID, msg)
			return
		}
		fmt.Printf("\n%s: %s\n> ", msg.SenderName, msg.Content)
	})
	adapter.OnStateChange(func(s transport.State) {
		log.Printf("[transport] %s", s)
	})

	ctx := context.Background()

	session, err := manager.Resume(ctx)
	if err != nil {
		log.Printf("resume failed: %v", err)
	}
	if session == nil {
		req := practice.MatchRequest{
			Topic:            envOr("TOPIC", "daily-conversation"),
			Scenario:         envOr("SCENARIO", "free-talk"),
			PreferredLevel:   envOr("LEVEL", practice.LevelIntermediate),
			EnableAIFeedback: true,
		}
		fmt.Println("looking for a partner...")
		session, err = manager.FindMatch(ctx, req)
		if err != nil {
			log.Fatalf("find match: %v", err)
		}
	}

	partnerID, partnerName := session.Partner(selfID)
	fmt.Printf("practicing %q with %s (session %d)\n", session.Topic, partnerName, session.ID)

	if direct != nil {
		if earlier, err := direct.Load(selfID, partnerID); err == nil && len(earlier) > 0 {
			fmt.Printf("--- %d earlier messages with %s ---\n", len(earlier), partnerName)
			for _, m := range earlier {
				fmt.Printf("%s: %s\n", m.SenderName, m.Content)
			}
		}
	}

	fmt.Println("type to chat, /ai for feedback, /end to finish")

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":

		case line == "/end":
			if err := manager.EndSession(ctx); err != nil {
				log.Printf("end session: %v", err)
				break
			}
			fmt.Println("session ended")
			return

		case line == "/ai":
			id, err := orchestrator.Request(session.ID)
			if err != nil {
				log.Printf("feedback request: %v", err)
				break
			}
			waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			reply, err := orchestrator.Wait(waitCtx, id)
			cancel()
			if err != nil {
				log.Printf("feedback: %v", err)
				break
			}
			fmt.Printf("[AI] %s\n", reply.Content)

		default:
			if err := manager.Send(line); err != nil {
				log.Printf("send: %v", err)
			}
		}
		fmt.Print("> ")
	}

	manager.Close()
}

// recordDirect appends a chat message to the durable per-pair history.
func recordDirect(direct *directchat.Store, manager *practice.Manager, selfID int64, msg message.Message) {
	if direct == nil || msg.Type != message.TypeChat {
		return
	}
	session := manager.Active()
	if session == nil {
		return
	}
	partnerID, _ := session.Partner(selfID)
	if err := direct.Append(selfID, partnerID, msg); err != nil {
		log.Printf("[directchat] append: %v", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
