package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

// End-to-end smoke check against a running instance: log in, register a
// student, verify the fresh card, reissue, and confirm the old token dies.
func main() {
	base := os.Getenv("CAMPUSID_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	email := os.Getenv("CAMPUSID_SMOKE_EMAIL")
	password := os.Getenv("CAMPUSID_SMOKE_PASSWORD")
	if email == "" || password == "" {
		log.Fatal("CAMPUSID_SMOKE_EMAIL and CAMPUSID_SMOKE_PASSWORD are required")
	}

	client := &http.Client{Timeout: 10 * time.Second}

	var login struct {
		Token string `json:"token"`
	}
	postJSON(client, base+"/v1/auth/login", "", map[string]any{
		"email":    email,
		"password": password,
	}, http.StatusOK, &login)

	regNo := fmt.Sprintf("SMOKE-%d", time.Now().UnixNano())
	var created struct {
		Student struct {
			ID string `json:"id"`
		} `json:"student"`
		Card struct {
			URL string `json:"url"`
		} `json:"card"`
	}
	postJSON(client, base+"/v1/students", login.Token, map[string]any{
		"reg_no": regNo,
		"name":   "Smoke Check",
	}, http.StatusCreated, &created)

	firstToken := tokenPath(created.Card.URL)
	if result := verifyToken(client, base, firstToken); result != "success" {
		log.Fatalf("fresh card did not verify: %s", result)
	}

	var reissued struct {
		Card struct {
			URL string `json:"url"`
		} `json:"card"`
	}
	postJSON(client, base+"/v1/students/"+created.Student.ID+"/reissue", login.Token, nil, http.StatusOK, &reissued)

	if result := verifyToken(client, base, firstToken); result != "invalid" {
		log.Fatalf("superseded card still verifies: %s", result)
	}
	if result := verifyToken(client, base, tokenPath(reissued.Card.URL)); result != "success" {
		log.Fatalf("reissued card did not verify: %s", result)
	}

	deleteStudent(client, base, login.Token, created.Student.ID)

	fmt.Printf("smoke test passed: student=%s\n", created.Student.ID)
}

func tokenPath(cardURL string) string {
	idx := strings.Index(cardURL, "/verify/")
	if idx < 0 {
		log.Fatalf("unexpected card url: %s", cardURL)
	}
	return cardURL[idx:]
}

func verifyToken(client *http.Client, base, path string) string {
	resp, err := client.Get(base + path)
	if err != nil {
		log.Fatalf("verify request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("verify status: %d", resp.StatusCode)
	}
	var out struct {
		Result string `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		log.Fatalf("decode verify response: %v", err)
	}
	return out.Result
}

func postJSON(client *http.Client, url, token string, body any, wantStatus int, out any) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			log.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("request %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		log.Fatalf("%s: status %d, want %d", url, resp.StatusCode, wantStatus)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("decode %s: %v", url, err)
		}
	}
}

func deleteStudent(client *http.Client, base, token, id string) {
	req, err := http.NewRequest(http.MethodDelete, base+"/v1/students/"+id, nil)
	if err != nil {
		log.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("delete student: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("delete status: %d", resp.StatusCode)
	}
}
