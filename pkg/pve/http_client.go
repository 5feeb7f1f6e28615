package pve

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HTTPClient implements Client against the Proxmox REST API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	auth       func(*http.Request)
}

// NewHTTPClient builds an HTTPClient authenticating with an API token.
// insecureSkipVerify matches the common self-signed-PVE-cert deployment.
func NewHTTPClient(host string, port int, tokenID, tokenSecret string, insecureSkipVerify bool) *HTTPClient {
	return &HTTPClient{
		baseURL: fmt.Sprintf("https://%s:%d/api2/json", host, port),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: insecureSkipVerify}, //nolint:gosec // PVE self-signed certs are the common case
			},
		},
		auth: func(req *http.Request) {
			req.Header.Set("Authorization", fmt.Sprintf("PVEAPIToken=%s=%s", tokenID, tokenSecret))
		},
	}
}

type apiResponse struct {
	Data json.RawMessage `json:"data"`
}

func (c *HTTPClient) do(ctx context.Context, method, path string, form url.Values) (json.RawMessage, error) {
	var body strings.Reader
	target := c.baseURL + path
	if method == http.MethodGet && form != nil {
		target += "?" + form.Encode()
	} else if form != nil {
		body = *strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, target, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	c.auth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("PVE API %s returned status %d", path, resp.StatusCode)
	}

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode PVE response: %w", err)
	}
	return out.Data, nil
}

// CreateCT implements Client.
func (c *HTTPClient) CreateCT(ctx context.Context, p CreateCTParams) (string, error) {
	form := url.Values{}
	form.Set("vmid", strconv.Itoa(p.VMID))
	form.Set("ostemplate", p.OSTemplate)
	form.Set("hostname", p.Hostname)
	form.Set("memory", strconv.Itoa(p.MemoryMB))
	form.Set("swap", strconv.Itoa(p.SwapMB))
	form.Set("cores", strconv.Itoa(p.Cores))
	form.Set("rootfs", p.RootFS)
	form.Set("net0", p.Net0)
	if p.Nameserver != "" {
		form.Set("nameserver", p.Nameserver)
	}
	form.Set("password", p.RootPassword)
	if p.SSHPublicKey != "" {
		form.Set("ssh-public-keys", p.SSHPublicKey)
	}
	if p.Unprivileged {
		form.Set("unprivileged", "1")
	}
	if p.Features != "" {
		form.Set("features", p.Features)
	}
	if p.Tags != "" {
		form.Set("tags", p.Tags)
	}

	data, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/nodes/%s/lxc", p.Node), form)
	if err != nil {
		return "", err
	}

	var upid string
	if err := json.Unmarshal(data, &upid); err != nil {
		return "", fmt.Errorf("failed to parse create UPID: %w", err)
	}
	return upid, nil
}

type nodeStatusResponse struct {
	CPUInfo struct {
		Cores int `json:"cpus"`
	} `json:"cpuinfo"`
	Memory struct {
		Total int64 `json:"total"`
		Used  int64 `json:"used"`
	} `json:"memory"`
	RootFS struct {
		Total int64 `json:"total"`
		Used  int64 `json:"used"`
	} `json:"rootfs"`
}

// NodeStatus implements Client.
func (c *HTTPClient) NodeStatus(ctx context.Context, node string) (NodeResources, error) {
	data, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/nodes/%s/status", node), nil)
	if err != nil {
		return NodeResources{}, err
	}

	var resp nodeStatusResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return NodeResources{}, fmt.Errorf("failed to parse node status: %w", err)
	}

	return NodeResources{
		CPUCores:    resp.CPUInfo.Cores,
		MemoryBytes: resp.Memory.Total,
		DiskBytes:   resp.RootFS.Total,
		UsedMemory:  resp.Memory.Used,
		UsedDisk:    resp.RootFS.Used,
	}, nil
}

// StartCT implements Client.
func (c *HTTPClient) StartCT(ctx context.Context, node string, vmid int) (string, error) {
	data, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/nodes/%s/lxc/%d/status/start", node, vmid), url.Values{})
	if err != nil {
		return "", err
	}
	var upid string
	if err := json.Unmarshal(data, &upid); err != nil {
		return "", fmt.Errorf("failed to parse start UPID: %w", err)
	}
	return upid, nil
}

type taskStatusResponse struct {
	Status   string `json:"status"`
	ExitCode string `json:"exitstatus"`
}

// PollTask implements Client.
func (c *HTTPClient) PollTask(ctx context.Context, node, upid string) (TaskStatus, error) {
	data, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/nodes/%s/tasks/%s/status", node, upid), nil)
	if err != nil {
		return TaskStatus{}, err
	}

	var resp taskStatusResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return TaskStatus{}, fmt.Errorf("failed to parse task status: %w", err)
	}

	return TaskStatus{
		Running:  resp.Status == "running",
		ExitCode: resp.ExitCode,
	}, nil
}

// Exec implements Client using the PVE agent-exec endpoint, polling for
// output and translating it into a streamed line channel.
func (c *HTTPClient) Exec(ctx context.Context, node string, vmid int, command []string) (<-chan ExecResult, error) {
	form := url.Values{}
	form.Set("command", strings.Join(command, " "))

	data, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/nodes/%s/lxc/%d/exec", node, vmid), form)
	if err != nil {
		return nil, err
	}

	var execResp struct {
		PID string `json:"pid"`
	}
	if err := json.Unmarshal(data, &execResp); err != nil {
		return nil, fmt.Errorf("failed to parse exec response: %w", err)
	}

	out := make(chan ExecResult, 16)
	go c.streamExecOutput(ctx, node, vmid, execResp.PID, out)
	return out, nil
}

func (c *HTTPClient) streamExecOutput(ctx context.Context, node string, vmid int, pid string, out chan<- ExecResult) {
	defer close(out)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/nodes/%s/lxc/%d/exec/%s/status", node, vmid, pid), nil)
			if err != nil {
				out <- ExecResult{Done: true, ExitCode: -1}
				return
			}

			var status struct {
				Output   string `json:"out-data"`
				Exited   bool   `json:"exited"`
				ExitCode int    `json:"exitcode"`
			}
			if err := json.Unmarshal(data, &status); err != nil {
				continue
			}

			scanner := bufio.NewScanner(strings.NewReader(status.Output))
			for scanner.Scan() {
				out <- ExecResult{Line: scanner.Text()}
			}

			if status.Exited {
				out <- ExecResult{Done: true, ExitCode: status.ExitCode}
				return
			}
		}
	}
}
