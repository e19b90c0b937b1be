package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/CoreVine/Tride-backend-sub000/internal/models"
)

// NopPusher is used when no push provider is configured; offline
// recipients then rely on pull-based retrieval of the persisted record.
type NopPusher struct{}

func (NopPusher) Push(context.Context, string, *models.Notification) error { return nil }

// FCMPusher posts JSON to an FCM HTTPv1-style endpoint using a server key
// or oauth token.
type FCMPusher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMPusher(endpoint, key string) *FCMPusher {
	return &FCMPusher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMPusher) Push(ctx context.Context, token string, n *models.Notification) error {
	body := map[string]interface{}{
		"message": map[string]interface{}{
			"token": token,
			"notification": map[string]string{
				"title": n.Title,
				"body":  n.Body,
			},
			"data": n.Metadata,
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadRequest:
		// FCM reports unregistered or malformed tokens this way.
		return ErrInvalidToken
	default:
		return fmt.Errorf("push provider returned %d", resp.StatusCode)
	}
}
