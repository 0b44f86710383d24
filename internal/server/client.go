package server

import (
	"context"
	"encoding/base64"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls a remote assistant.v1.Assistant service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

// Call invokes method with req and returns the decoded response.
func (c *Client) Call(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	if req == nil {
		req = map[string]any{}
	}
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func (c *Client) SubmitIntent(ctx context.Context, text, sessionID string) (map[string]any, error) {
	return c.Call(ctx, "SubmitIntent", map[string]any{"text": text, "session_id": sessionID})
}

func (c *Client) SubmitVoice(ctx context.Context, audio []byte, sessionID, lang string) (map[string]any, error) {
	return c.Call(ctx, "SubmitVoice", map[string]any{
		"audio":      base64.StdEncoding.EncodeToString(audio),
		"session_id": sessionID,
		"language":   lang,
	})
}

func (c *Client) ClassifyOnly(ctx context.Context, text string) (map[string]any, error) {
	return c.Call(ctx, "ClassifyOnly", map[string]any{"text": text})
}

// EnqueueDeferredTask schedules action to run after delay and returns the task ID.
func (c *Client) EnqueueDeferredTask(ctx context.Context, action string, payload map[string]any, delay time.Duration, sessionID string) (string, error) {
	req := map[string]any{
		"action":        action,
		"delay_seconds": delay.Seconds(),
		"session_id":    sessionID,
	}
	if payload != nil {
		req["payload"] = payload
	}
	resp, err := c.Call(ctx, "EnqueueDeferredTask", req)
	if err != nil {
		return "", err
	}
	return str(resp, "task_id"), nil
}

func (c *Client) GetPlanResult(ctx context.Context, planID string) (map[string]any, error) {
	return c.Call(ctx, "GetPlanResult", map[string]any{"plan_id": planID})
}

func (c *Client) GetTaskStatus(ctx context.Context, taskID string) (map[string]any, error) {
	return c.Call(ctx, "GetTaskStatus", map[string]any{"task_id": taskID})
}

func (c *Client) RemoveTask(ctx context.Context, taskID string) error {
	_, err := c.Call(ctx, "RemoveTask", map[string]any{"task_id": taskID})
	return err
}

func (c *Client) DeadLetters(ctx context.Context) ([]any, error) {
	resp, err := c.Call(ctx, "DeadLetters", nil)
	if err != nil {
		return nil, err
	}
	tasks, _ := resp["tasks"].([]any)
	return tasks, nil
}

func (c *Client) CircuitStates(ctx context.Context) ([]any, error) {
	resp, err := c.Call(ctx, "CircuitStates", nil)
	if err != nil {
		return nil, err
	}
	circuits, _ := resp["circuits"].([]any)
	return circuits, nil
}
