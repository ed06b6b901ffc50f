package proxyvisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

const defaultClientTimeout = 10 * time.Second

var ErrAPI = errors.New("control API error")

// Client talks to a running daemon's control API.
type Client struct {
	base    string
	timeout time.Duration
}

// NewClient returns a client for addr ("host:port" or a full URL).
func NewClient(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{base: strings.TrimSuffix(addr, "/"), timeout: defaultClientTimeout}
}

// Start asks the daemon to start name. A non-empty argv is passed verbatim;
// otherwise spec is used.
func (c *Client) Start(name string, spec ArgSpec, argv []string) (*Accepted, error) {
	a := fiber.Post(c.url("/instances/" + url.PathEscape(name) + "/start"))
	a.JSON(startRequest{ArgSpec: spec, Argv: argv})
	var out Accepted
	return &out, c.do(a, &out)
}

func (c *Client) Stop(name string) (*Accepted, error) {
	var out Accepted
	return &out, c.do(fiber.Post(c.url("/instances/"+url.PathEscape(name)+"/stop")), &out)
}

func (c *Client) StopAll() (*Accepted, error) {
	var out Accepted
	return &out, c.do(fiber.Post(c.url("/instances/stop")), &out)
}

func (c *Client) Restart(name string) (*Accepted, error) {
	var out Accepted
	return &out, c.do(fiber.Post(c.url("/instances/"+url.PathEscape(name)+"/restart")), &out)
}

func (c *Client) List() ([]InstanceInfo, error) {
	var out []InstanceInfo
	return out, c.do(fiber.Get(c.url("/instances")), &out)
}

// Logs fetches tail entries newer than since, optionally for one instance.
func (c *Client) Logs(instance string, since int64, limit int) (*LogPage, error) {
	q := url.Values{}
	if instance != "" {
		q.Set("instance", instance)
	}
	q.Set("since", strconv.FormatInt(since, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out LogPage
	return &out, c.do(fiber.Get(c.url("/logs?"+q.Encode())), &out)
}

func (c *Client) url(path string) string {
	return c.base + path
}

func (c *Client) do(a *fiber.Agent, out any) error {
	a.Timeout(c.timeout)
	code, body, errs := a.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("request failed: %w", errors.Join(errs...))
	}
	if code >= fiber.StatusBadRequest {
		var eb errorBody
		if err := json.Unmarshal(body, &eb); err != nil || eb.Error == "" {
			eb.Error = strings.TrimSpace(string(body))
		}
		return fmt.Errorf("%w: %d %s", ErrAPI, code, eb.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
