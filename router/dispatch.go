package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/noderouter/noderouter/proto"
	"github.com/noderouter/noderouter/registry"
)

// httpDispatcher adapts a remote node's endpoint_url into a
// registry.Dispatcher by POSTing the envelope and decoding the response
// body as a Message (spec §4.5 step 8c: "POST to endpoint_url with
// node_timeout_sec").
type httpDispatcher struct {
	url    string
	client *http.Client
}

func newHTTPDispatcher(url string, timeout time.Duration) registry.Dispatcher {
	return &httpDispatcher{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (d *httpDispatcher) Dispatch(ctx context.Context, msg *proto.Message) (*proto.Message, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("router: encode outbound message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("router: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("router: dispatch to %s: %w", d.url, err)
	}
	defer resp.Body.Close()

	var out proto.Message
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("router: decode response from %s: %w", d.url, err)
	}
	return &out, nil
}

// dispatcherFor resolves the Dispatcher to invoke for a candidate node: a
// registered in-process handler takes priority; failing that, an
// http(s):// endpoint_url is adapted on the fly. inproc:// endpoints with
// no handler, or any other scheme, have no adapter.
func dispatcherFor(node *registry.NodeRecord, timeout time.Duration) registry.Dispatcher {
	if node.Handler != nil {
		return node.Handler
	}
	url := node.Descriptor.EndpointURL
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return newHTTPDispatcher(url, timeout)
	}
	return nil
}
