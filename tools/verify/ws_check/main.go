// Command ws_check verifies a running taskd end to end: the websocket feed
// rejects unauthenticated clients, and a submitted echo task is observed
// reaching done over the feed.
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type taskFrame struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<marshal-error:%v>", err)
	}
	return string(b)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	fmt.Println("VERDICT FAIL")
	os.Exit(1)
}

func main() {
	base := flag.String("url", "http://127.0.0.1:8088", "taskd base URL")
	user := flag.String("user", "", "basic auth username")
	pass := flag.String("pass", "", "basic auth password")
	taskType := flag.String("type", "echo", "task type to submit")
	timeout := flag.Duration("timeout", 10*time.Second, "overall timeout")
	flag.Parse()

	if strings.TrimSpace(*user) == "" || *pass == "" {
		fmt.Fprintln(os.Stderr, "user and pass are required")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	httpBase := strings.TrimRight(*base, "/")
	wsURL := "ws" + strings.TrimPrefix(httpBase, "http") + "/ws"

	_, unauthResp, unauthErr := websocket.Dial(ctx, wsURL, nil)
	if unauthErr == nil {
		fail("expected missing-auth dial to fail but it succeeded")
	}
	if unauthResp == nil || unauthResp.StatusCode != http.StatusUnauthorized {
		fail("expected 401 for missing auth, got response=%v err=%v", unauthResp, unauthErr)
	}
	fmt.Printf("AUTH_CHECK missing credentials rejected status=%d\n", unauthResp.StatusCode)

	token := base64.StdEncoding.EncodeToString([]byte(*user + ":" + *pass))
	conn, _, err := websocket.Dial(ctx, wsURL+"?auth="+token, nil)
	if err != nil {
		fail("authorized dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	fmt.Println("AUTH_CHECK query credentials accepted")

	body := map[string]any{
		"type":    *taskType,
		"source":  "ws_check",
		"payload": map[string]any{"probe": time.Now().UTC().Format(time.RFC3339Nano)},
	}
	fmt.Printf(">> POST /task %s\n", mustJSON(body))
	b, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, httpBase+"/task", bytes.NewReader(b))
	if err != nil {
		fail("build request: %v", err)
	}
	req.SetBasicAuth(*user, *pass)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fail("submit failed: %v", err)
	}
	var accepted map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&accepted)
	resp.Body.Close()
	fmt.Printf("<< %d %s\n", resp.StatusCode, mustJSON(accepted))
	if resp.StatusCode != http.StatusAccepted {
		fail("expected 202 from POST /task")
	}
	id, _ := accepted["id"].(string)

	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			fail("read failed before task %s finished: %v", id, err)
		}
		if f.Type != "task.updated" {
			continue
		}
		var t taskFrame
		if err := json.Unmarshal(f.Data, &t); err != nil || t.ID != id {
			continue
		}
		fmt.Printf("<< task.updated id=%s status=%s\n", t.ID, t.Status)
		switch t.Status {
		case "done":
			fmt.Println("VERDICT PASS")
			return
		case "error":
			fail("task %s ended in error", id)
		}
	}
}
