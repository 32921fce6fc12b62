// Stress driver: registers user pairs, runs the chat-request handshake over
// REST, then has both sides join the conversation room and spam messages
// through the websocket protocol.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"chat-sync/internal/ws"
	"chat-sync/internal/wsclient"
)

const (
	BaseURL   = "http://localhost:8080"
	WSURL     = "ws://localhost:8080/ws"
	PairCount = 50 // Start small; raise once the database keeps up.
	MsgCount  = 20 // Messages per user
)

type authResponse struct {
	Token    string `json:"access_token"`
	ID       int    `json:"id"`
	Username string `json:"username"`
}

type chatRequestResponse struct {
	ID int `json:"id"`
}

type conversationResponse struct {
	ID int `json:"id"`
}

var received atomic.Int64

func main() {
	log.Printf("🔥 STARTING STRESS TEST: %d users, %d messages each...", PairCount*2, MsgCount)
	var wg sync.WaitGroup

	for i := 0; i < PairCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID)
		}(i)
	}

	wg.Wait()
	log.Printf("✅ LOAD TEST COMPLETE: %d messages observed", received.Load())
}

func runPair(pairID int) {
	userA := fmt.Sprintf("u_%d_a", pairID)
	userB := fmt.Sprintf("u_%d_b", pairID)
	pass := "password123"

	authA := authenticate(userA, pass)
	authB := authenticate(userB, pass)
	if authA == nil || authB == nil {
		return
	}

	convID := pairUp(authA, authB)
	if convID == 0 {
		return
	}

	var wsWg sync.WaitGroup
	wsWg.Add(2)
	go spamChat(&wsWg, authA.Token, convID, userA)
	go spamChat(&wsWg, authB.Token, convID, userB)
	wsWg.Wait()
}

// authenticate registers (ignoring already-exists) and logs in.
func authenticate(username, password string) *authResponse {
	creds, _ := json.Marshal(map[string]string{"username": username, "password": password})

	resp, err := http.Post(BaseURL+"/register", "application/json", bytes.NewReader(creds))
	if err == nil {
		resp.Body.Close()
	}

	resp, err = http.Post(BaseURL+"/login", "application/json", bytes.NewReader(creds))
	if err != nil {
		log.Printf("login %s: %v", username, err)
		return nil
	}
	defer resp.Body.Close()

	auth := &authResponse{}
	if err := json.NewDecoder(resp.Body).Decode(auth); err != nil || auth.Token == "" {
		log.Printf("login %s: bad response", username)
		return nil
	}
	return auth
}

// pairUp runs the chat-request handshake: A requests, B accepts.
func pairUp(a, b *authResponse) int {
	body, _ := json.Marshal(map[string]int{"user_id": b.ID})
	resp, err := authedPost(a.Token, "/api/conversations", body)
	if err != nil {
		log.Printf("start conversation: %v", err)
		return 0
	}
	defer resp.Body.Close()

	// 200 means the conversation already existed from a previous run.
	if resp.StatusCode == http.StatusOK {
		conv := conversationResponse{}
		json.NewDecoder(resp.Body).Decode(&conv)
		return conv.ID
	}

	req := chatRequestResponse{}
	if err := json.NewDecoder(resp.Body).Decode(&req); err != nil || req.ID == 0 {
		return 0
	}

	resp, err = authedPost(b.Token, fmt.Sprintf("/api/chat-requests/%d/accept", req.ID), nil)
	if err != nil {
		log.Printf("accept request: %v", err)
		return 0
	}
	defer resp.Body.Close()

	conv := conversationResponse{}
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		return 0
	}
	return conv.ID
}

func authedPost(token, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	return http.DefaultClient.Do(req)
}

func spamChat(wg *sync.WaitGroup, token string, convID int, username string) {
	defer wg.Done()

	client := wsclient.New(wsclient.Options{
		URL:   WSURL,
		Token: token,
		OnError: func(err error) {
			log.Printf("%s: %v", username, err)
		},
	})
	client.RegisterHandler(ws.EventNewMessage, func(json.RawMessage) {
		received.Add(1)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		log.Printf("%s: connect: %v", username, err)
		return
	}
	defer client.Disconnect()

	if err := client.Emit(ws.EventJoinConversation, ws.ConversationRef{ConversationID: convID}); err != nil {
		log.Printf("%s: join: %v", username, err)
		return
	}

	for i := 0; i < MsgCount; i++ {
		err := client.Emit(ws.EventSendMessage, ws.SendMessagePayload{
			ConversationID: convID,
			Content:        fmt.Sprintf("msg %d from %s", i, username),
		})
		if err != nil {
			log.Printf("%s: send: %v", username, err)
			return
		}
		time.Sleep(50 * time.Millisecond)
	}

	// Linger so the peer's messages can arrive.
	time.Sleep(2 * time.Second)
}
