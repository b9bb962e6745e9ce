// Command demo drives a running datachat gateway end to end: it uploads
// a small CSV, asks a question about it, and prints the answer with any
// generated code and execution output.
//
// Usage:
//
//	demo [-server http://localhost:8080] [-question "..."] [file.csv]
//
// Without a file argument a built-in sample dataset is uploaded.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/datachat-dev/datachat/pkg/api"
)

const sampleCSV = `region,quarter,sales
west,Q1,1200
west,Q2,1350
east,Q1,980
east,Q2,1100
south,Q1,760
south,Q2,890
`

func main() {
	server := flag.String("server", "http://localhost:8080", "datachat server URL")
	question := flag.String("question", "What is the total sales per region?", "question to ask")
	flag.Parse()

	if err := run(*server, *question, flag.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "demo failed: %v\n", err)
		os.Exit(1)
	}
}

func run(server, question, csvPath string) error {
	client := &http.Client{Timeout: 5 * time.Minute}
	sessionID := fmt.Sprintf("demo-%d", time.Now().Unix())

	filename := "sales.csv"
	content := []byte(sampleCSV)
	if csvPath != "" {
		data, err := os.ReadFile(csvPath)
		if err != nil {
			return fmt.Errorf("reading %s: %w", csvPath, err)
		}
		filename = filepath.Base(csvPath)
		content = data
	}

	fmt.Printf("uploading %s (session %s)\n", filename, sessionID)
	result, err := upload(client, server, sessionID, filename, content)
	if err != nil {
		return err
	}
	if result.ColumnsInfo != nil {
		fmt.Printf("schema: %d rows, columns %v\n\n",
			result.ColumnsInfo.Shape[0], result.ColumnsInfo.Columns)
	}

	fmt.Printf("asking: %s\n\n", question)
	resp, err := chat(client, server, sessionID, question)
	if err != nil {
		return err
	}

	if resp.HasCode {
		fmt.Printf("--- generated code ---\n%s\n\n", resp.Code)
		fmt.Println("--- execution output ---")
		for _, section := range resp.ExecutionOutput {
			fmt.Println(section)
		}
		fmt.Println()
	}
	for _, chart := range resp.Charts {
		fmt.Printf("chart: %s%s\n", server, chart.URL)
	}

	fmt.Printf("--- answer ---\n%s\n", resp.Response)

	// Best effort. The server evicts idle sessions on its own.
	closeSession(client, server, sessionID)
	return nil
}

func upload(client *http.Client, server, sessionID, filename string, content []byte) (*api.UploadResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("session_id", sessionID)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, err
	}
	fw.Write(content)
	mw.Close()

	req, err := http.NewRequest("POST", server+"/api/upload", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var result api.UploadResult
	if err := do(client, req, &result); err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	return &result, nil
}

func chat(client *http.Client, server, sessionID, message string) (*api.ChatResponse, error) {
	body, _ := json.Marshal(api.ChatRequest{Message: message, SessionID: sessionID})
	req, err := http.NewRequest("POST", server+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp api.ChatResponse
	if err := do(client, req, &resp); err != nil {
		return nil, fmt.Errorf("chat: %w", err)
	}
	return &resp, nil
}

func closeSession(client *http.Client, server, sessionID string) {
	body, _ := json.Marshal(map[string]string{"session_id": sessionID})
	req, err := http.NewRequest("POST", server+"/api/session/close", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err == nil {
		resp.Body.Close()
	}
}

func do(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var envelope api.ErrorResponse
		if json.Unmarshal(data, &envelope) == nil && envelope.Error != nil {
			return fmt.Errorf("%s (%s)", envelope.Error.Message, envelope.Error.Type)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, data)
	}
	return json.Unmarshal(data, out)
}
