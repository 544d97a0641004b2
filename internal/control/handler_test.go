package control

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

type fakeClient struct {
	mqtt.Client

	mu        sync.Mutex
	topics    []string
	responses []Response
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	var resp Response
	json.Unmarshal(payload.([]byte), &resp)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	c.responses = append(c.responses, resp)
	return doneToken{}
}

type fakeMessage struct {
	mqtt.Message
	payload []byte
}

func (m fakeMessage) Payload() []byte { return m.payload }

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
		wantErr bool
	}{
		{"status", `{"command":"get_status"}`, CommandGetStatus, false},
		{"process", `{"command":"process_video","params":{"video_url":"u"}}`, CommandProcessVideo, false},
		{"not json", `get_status`, "", true},
		{"empty command", `{"params":{}}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := ParseCommand([]byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseCommand() error = %v, wantErr %v", err, tt.wantErr)
			}
			if cmd.Command != tt.want {
				t.Errorf("ParseCommand().Command = %q, want %q", cmd.Command, tt.want)
			}
		})
	}
}

func TestHandleCommand(t *testing.T) {
	var gotParams json.RawMessage
	h := NewHandler(&fakeClient{}, "bjj", CommandCallbacks{
		OnGetStatus: func() map[string]any { return map[string]any{"queue_depth": 0} },
		OnProcessVideo: func(params json.RawMessage) (map[string]any, error) {
			gotParams = params
			var p struct {
				VideoURL string `json:"video_url"`
			}
			json.Unmarshal(params, &p)
			if p.VideoURL == "" {
				return nil, errors.New("missing video_url")
			}
			return map[string]any{"run_id": "r1"}, nil
		},
	}, nil)

	tests := []struct {
		name       string
		cmd        Command
		wantStatus string
		wantError  bool
	}{
		{"status", Command{Command: CommandGetStatus}, "success", false},
		{"process", Command{Command: CommandProcessVideo, Params: json.RawMessage(`{"video_url":"https://x"}`)}, "accepted", false},
		{"process rejected", Command{Command: CommandProcessVideo, Params: json.RawMessage(`{}`)}, "error", true},
		{"process without params", Command{Command: CommandProcessVideo}, "error", true},
		{"unknown", Command{Command: "pause_inference"}, "error", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.handleCommand(tt.cmd)
			if resp.CommandAck != tt.cmd.Command {
				t.Errorf("CommandAck = %q, want %q", resp.CommandAck, tt.cmd.Command)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", resp.Status, tt.wantStatus)
			}
			if (resp.Error != "") != tt.wantError {
				t.Errorf("Error = %q, wantError %v", resp.Error, tt.wantError)
			}
		})
	}

	if string(gotParams) != `{}` {
		t.Errorf("last params = %s, want the raw object passed through", gotParams)
	}
}

func TestInvalidMessageGetsErrorResponse(t *testing.T) {
	client := &fakeClient{}
	h := NewHandler(client, "bjj", CommandCallbacks{}, nil)
	h.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	h.messageHandler(nil, fakeMessage{payload: []byte("{")})

	if len(client.responses) != 1 {
		t.Fatalf("responses = %d, want 1", len(client.responses))
	}
	if client.topics[0] != "bjj/control/responses" {
		t.Errorf("topic = %q", client.topics[0])
	}
	resp := client.responses[0]
	if resp.Status != "error" || resp.CommandAck != "unknown" {
		t.Errorf("response = %+v", resp)
	}
	if resp.Timestamp != "2024-05-01T12:00:00Z" {
		t.Errorf("Timestamp = %q", resp.Timestamp)
	}
}
