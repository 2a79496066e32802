package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// SubgraphOptions parameterise the GraphQL client.
type SubgraphOptions struct {
	URL       string
	Timeout   time.Duration
	UserAgent string
}

// Subgraph posts GraphQL documents to the protocol subgraph and returns the
// raw `data` object as a single frame.
type Subgraph struct {
	opts   SubgraphOptions
	logger zerolog.Logger
	client *http.Client
}

// NewSubgraph builds the GraphQL client.
func NewSubgraph(opts SubgraphOptions, logger zerolog.Logger) *Subgraph {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Subgraph{
		opts:   opts,
		logger: logger.With().Str("component", "subgraph_source").Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

// Name identifies this source.
func (s *Subgraph) Name() string { return NameSubgraph }

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Fetch executes the GraphQL document in req.
func (s *Subgraph) Fetch(ctx context.Context, req Request) (Payload, error) {
	if s.opts.URL == "" {
		return Payload{}, errors.New("subgraph url not configured")
	}
	if req.GraphQL == "" {
		return Payload{}, errors.New("subgraph request without query")
	}

	body, err := json.Marshal(graphqlRequest{Query: req.GraphQL, Variables: req.Variables})
	if err != nil {
		return Payload{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.URL, bytes.NewReader(body))
	if err != nil {
		return Payload{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(s.opts.UserAgent); ua != "" {
		httpReq.Header.Set("User-Agent", ua)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return Payload{}, transient(NameSubgraph, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Payload{}, transient(NameSubgraph, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return Payload{}, transient(NameSubgraph, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(payload))))
	}
	if resp.StatusCode != http.StatusOK {
		return Payload{}, fmt.Errorf("subgraph http %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var gql graphqlResponse
	if err := json.Unmarshal(payload, &gql); err != nil {
		return Payload{}, fmt.Errorf("subgraph response: %w", err)
	}
	if len(gql.Errors) > 0 {
		// GraphQL errors are deterministic for the same document.
		return Payload{}, fmt.Errorf("subgraph error: %s", gql.Errors[0].Message)
	}
	if len(gql.Data) == 0 {
		return Payload{}, errors.New("subgraph response without data")
	}

	return Payload{Frames: [][]byte{gql.Data}}, nil
}

var _ Client = (*Subgraph)(nil)
