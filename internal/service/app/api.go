package app

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"pylon/internal/model"
)

type (
	// Client talks to a pylon server.
	Client struct {
		host string
		http *http.Client
	}
)

func NewClient(host string) *Client {
	return &Client{
		host: host,
		// send and receive block until the other side shows up
		http: &http.Client{Timeout: 0},
	}
}

func (c *Client) GenerateCode() (string, error) {
	u := url.URL{
		Scheme: "http",
		Host:   c.host,
		Path:   "/code",
	}

	resp, err := c.http.Get(u.String())
	if err != nil {
		return "", err
	}

	code, err := decodeResponse[string](resp)
	if err != nil {
		return "", err
	}
	return *code, nil
}

func (c *Client) Send(code, message string) (*model.Payload, error) {
	u := url.URL{
		Scheme: "http",
		Host:   c.host,
		Path:   "/send",
	}

	body, err := json.Marshal(map[string]string{
		"code":    code,
		"message": message,
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Post(u.String(), "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	return decodeResponse[model.Payload](resp)
}

// Receive waits for the payload of code over the websocket endpoint.
func (c *Client) Receive(code string) (*model.Payload, error) {
	params := url.Values{
		"code": []string{code},
	}

	u := url.URL{
		Scheme:   "ws",
		Host:     c.host,
		Path:     "/ws/receive",
		RawQuery: params.Encode(),
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var env model.Response[model.Payload]
	if err := conn.ReadJSON(&env); err != nil {
		return nil, err
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))

	return unwrap(&env)
}

func decodeResponse[T any](resp *http.Response) (*T, error) {
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	var env model.Response[T]
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	return unwrap(&env)
}

func unwrap[T any](env *model.Response[T]) (*T, error) {
	if env.Message != nil {
		return nil, fmt.Errorf("server error %d: %s", env.Code, *env.Message)
	}
	if env.Data == nil {
		return nil, errors.New("empty response")
	}
	return env.Data, nil
}
