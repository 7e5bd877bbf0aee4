// Command avatar-smoke posts a selfie to a running API and polls the async run
// until it settles.
package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

type startResponse struct {
	RunID  uuid.UUID `json:"runId"`
	Status string    `json:"status"`
}

type statusResponse struct {
	RunID  uuid.UUID `json:"runId"`
	Status string    `json:"status"`
	Error  string    `json:"error"`
	Result *struct {
		SelfieStoragePath string `json:"selfieStoragePath"`
		Variants          []struct {
			Style string `json:"style"`
			URL   string `json:"url"`
		} `json:"variants"`
		FailedStyles []string `json:"failedStyles"`
	} `json:"result"`
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "API base URL")
	imagePath := flag.String("image", "", "path to a selfie (jpeg or png)")
	subject := flag.String("subject", "smoke-"+uuid.NewString()[:8], "subject id")
	styles := flag.String("styles", "", "comma separated style tags (default: all)")
	timeout := flag.Duration("timeout", 6*time.Minute, "how long to poll")
	flag.Parse()

	if *imagePath == "" {
		log.Fatal("-image is required")
	}
	data, err := os.ReadFile(*imagePath)
	if err != nil {
		log.Fatalf("Failed to read image: %v", err)
	}

	payload := map[string]interface{}{
		"subjectId":   *subject,
		"imageBase64": base64.StdEncoding.EncodeToString(data),
		"mimeType":    http.DetectContentType(data),
	}
	if *styles != "" {
		payload["styles"] = strings.Split(*styles, ",")
	}
	jsonBody, _ := json.Marshal(payload)

	log.Printf("Starting avatar run for subject %s", *subject)
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(*baseURL+"/api/v1/avatars/generate?async=true", "application/json", bytes.NewReader(jsonBody))
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		buf := new(bytes.Buffer)
		buf.ReadFrom(resp.Body)
		log.Fatalf("Expected 202 Accepted, got %d. Body: %s", resp.StatusCode, buf.String())
	}

	var started startResponse
	if err := json.NewDecoder(resp.Body).Decode(&started); err != nil {
		log.Fatalf("Failed to decode response: %v", err)
	}
	log.Printf("Run started. ID: %s", started.RunID)

	statusURL := fmt.Sprintf("%s/api/v1/avatars/runs/%s", *baseURL, started.RunID)
	deadline := time.Now().Add(*timeout)
	for time.Now().Before(deadline) {
		time.Sleep(3 * time.Second)

		status, err := poll(client, statusURL)
		if err != nil {
			log.Printf("Poll failed: %v", err)
			continue
		}
		log.Printf("Status: %s", status.Status)

		switch status.Status {
		case "completed":
			if status.Result == nil {
				log.Fatal("Run completed without a result")
			}
			log.Printf("Selfie stored at %s", status.Result.SelfieStoragePath)
			for _, v := range status.Result.Variants {
				log.Printf("  %-30s %s", v.Style, v.URL)
			}
			if len(status.Result.FailedStyles) > 0 {
				log.Printf("Failed styles: %s", strings.Join(status.Result.FailedStyles, ", "))
			}
			log.Println("SUCCESS")
			return
		case "failed":
			log.Fatalf("Run failed: %s", status.Error)
		}
	}
	log.Fatal("Timed out waiting for run")
}

func poll(client *http.Client, url string) (*statusResponse, error) {
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}
	return &status, nil
}
