// Copyright 2025 James Ross
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	meshErrors "github.com/relaydeck/meshcore/internal/errors"
)

// Fly scales a worker type via the Fly Machines REST API. No Fly client
// library appears anywhere in the example pack, so this talks to the
// documented HTTP API directly with net/http — see DESIGN.md for why no
// dependency was introduced for this backend.
type Fly struct {
	httpClient *http.Client
	baseURL    string // e.g. https://api.machines.dev/v1
	appName    string
	apiToken   string
	imageFor   func(workerType string) string
}

// NewFly builds a Fly Machines backend for appName, authenticating with
// apiToken.
func NewFly(appName, apiToken string, imageFor func(workerType string) string) *Fly {
	return &Fly{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    "https://api.machines.dev/v1",
		appName:    appName,
		apiToken:   apiToken,
		imageFor:   imageFor,
	}
}

type flyMachine struct {
	ID     string `json:"id"`
	State  string `json:"state"`
	Config struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"config"`
}

// CurrentWorkers counts started machines tagged with the given worker type
// in their metadata.
func (f *Fly) CurrentWorkers(ctx context.Context, workerType string) (int, error) {
	machines, err := f.listMachines(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, m := range machines {
		if m.Config.Metadata["worker_type"] == workerType && m.State == "started" {
			count++
		}
	}
	return count, nil
}

// ScaleTo starts new machines or stops existing ones until exactly target
// machines of workerType are started.
func (f *Fly) ScaleTo(ctx context.Context, workerType string, target int) error {
	machines, err := f.listMachines(ctx)
	if err != nil {
		return err
	}

	var mine []flyMachine
	for _, m := range machines {
		if m.Config.Metadata["worker_type"] == workerType && m.State == "started" {
			mine = append(mine, m)
		}
	}

	for len(mine) < target {
		if err := f.createMachine(ctx, workerType); err != nil {
			return err
		}
		mine = append(mine, flyMachine{})
	}
	for len(mine) > target {
		last := mine[len(mine)-1]
		if last.ID != "" {
			if err := f.destroyMachine(ctx, last.ID); err != nil {
				return err
			}
		}
		mine = mine[:len(mine)-1]
	}
	return nil
}

func (f *Fly) listMachines(ctx context.Context) ([]flyMachine, error) {
	var machines []flyMachine
	if err := f.do(ctx, http.MethodGet, fmt.Sprintf("/apps/%s/machines", f.appName), nil, &machines); err != nil {
		return nil, err
	}
	return machines, nil
}

func (f *Fly) createMachine(ctx context.Context, workerType string) error {
	body := map[string]any{
		"config": map[string]any{
			"image":    f.imageFor(workerType),
			"metadata": map[string]string{"worker_type": workerType},
		},
	}
	return f.do(ctx, http.MethodPost, fmt.Sprintf("/apps/%s/machines", f.appName), body, nil)
}

func (f *Fly) destroyMachine(ctx context.Context, machineID string) error {
	return f.do(ctx, http.MethodDelete, fmt.Sprintf("/apps/%s/machines/%s", f.appName, machineID), nil, nil)
}

func (f *Fly) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return meshErrors.New(meshErrors.KindBackendError, "backend.fly", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, f.baseURL+path, reader)
	if err != nil {
		return meshErrors.New(meshErrors.KindBackendError, "backend.fly", err)
	}
	req.Header.Set("Authorization", "Bearer "+f.apiToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return meshErrors.New(meshErrors.KindBackendError, "backend.fly", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return meshErrors.New(meshErrors.KindBackendError, "backend.fly", fmt.Errorf("fly api %s %s: status %d", method, path, resp.StatusCode))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
