package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// httpClient is shared by every control-surface subcommand; these are
// one-shot local requests against a process's own health.Server, so a
// short fixed timeout is appropriate rather than anything configurable.
var httpClient = &http.Client{Timeout: 10 * time.Second}

func controlURL(host string, port int, path, database string) string {
	u := url.URL{Scheme: "http", Host: fmt.Sprintf("%s:%d", host, port), Path: path}
	if database != "" {
		q := u.Query()
		q.Set("database", database)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func postAction(host string, port int, path, database string) error {
	req, err := http.NewRequest(http.MethodPost, controlURL(host, port, path, database), nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s failed: %s: %s", path, resp.Status, string(body))
	}
	return nil
}

type controlFlags struct {
	Host     string `default:"127.0.0.1" help:"Host of the running process's health server."`
	Port     int    `default:"8404" help:"Port of the running process's health server."`
	Database string `required:"" help:"Database the action applies to."`
}

type pauseCmd struct {
	controlFlags
}

func (c *pauseCmd) Run() error {
	return postAction(c.Host, c.Port, "/pause", c.Database)
}

type resumeCmd struct {
	controlFlags
}

func (c *resumeCmd) Run() error {
	return postAction(c.Host, c.Port, "/resume", c.Database)
}

type flushCmd struct {
	controlFlags
}

func (c *flushCmd) Run() error {
	return postAction(c.Host, c.Port, "/flush", c.Database)
}

type optimizeCmd struct {
	controlFlags
}

func (c *optimizeCmd) Run() error {
	return postAction(c.Host, c.Port, "/optimize", c.Database)
}

type healthCmd struct {
	Host string `default:"127.0.0.1" help:"Host of the running process's health server."`
	Port int    `default:"8404" help:"Port of the running process's health server."`
}

func (c *healthCmd) Run() error {
	resp, err := httpClient.Get(controlURL(c.Host, c.Port, "/health", ""))
	if err != nil {
		return fmt.Errorf("request health: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return nil
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
