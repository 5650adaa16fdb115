// Package chroma mirrors stored observations into a ChromaDB instance for
// semantic search. The database runs as a chroma-mcp subprocess speaking
// JSON-RPC over stdio; SQLite stays the source of truth and everything here
// is rebuildable from it.
package chroma

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// collectionPrefix namespaces worker collections inside a shared Chroma
// data directory.
const collectionPrefix = "cm__"

// Document is one entry to store in a project collection.
type Document struct {
	ID       string
	Content  string
	Metadata map[string]any
}

// QueryResult is one semantic search hit.
type QueryResult struct {
	ID       string
	Distance float64
	Metadata map[string]any
}

// Client talks to a chroma-mcp subprocess. One client serves every project;
// each project gets its own collection.
type Client struct {
	dataDir   string
	pythonVer string
	batchSize int

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    *bufio.Reader
	connected bool
	requestID int

	// collections caches which project collections have been ensured this
	// connection.
	collections map[string]bool
}

// Config holds the subprocess settings.
type Config struct {
	DataDir   string
	PythonVer string
	BatchSize int
}

// NewClient creates a disconnected client. Connect starts the subprocess.
func NewClient(cfg Config) *Client {
	if cfg.PythonVer == "" {
		cfg.PythonVer = "3.13"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Client{
		dataDir:     cfg.DataDir,
		pythonVer:   cfg.PythonVer,
		batchSize:   cfg.BatchSize,
		collections: make(map[string]bool),
	}
}

// CollectionName returns the Chroma collection for a project. Characters
// Chroma rejects in collection names are folded to underscores.
func CollectionName(project string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, project)
	return collectionPrefix + sanitized
}

// Connect starts the chroma-mcp server and performs the MCP handshake.
// Idempotent while connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	if err := os.MkdirAll(c.dataDir, 0750); err != nil {
		return fmt.Errorf("create vector data dir: %w", err)
	}

	c.cmd = exec.CommandContext(ctx, "uvx", // #nosec G204 -- arguments come from managed settings
		"--python", c.pythonVer,
		"chroma-mcp",
		"--client-type", "persistent",
		"--data-dir", c.dataDir,
	)

	var err error
	c.stdin, err = c.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := c.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	c.stdout = bufio.NewReader(stdout)
	c.cmd.Stderr = os.Stderr

	if err := c.cmd.Start(); err != nil {
		return fmt.Errorf("start chroma-mcp: %w", err)
	}

	if err := c.handshake(); err != nil {
		c.closeLocked()
		return fmt.Errorf("initialize: %w", err)
	}

	c.connected = true
	c.collections = make(map[string]bool)
	log.Info().Str("dataDir", c.dataDir).Msg("Connected to ChromaDB")
	return nil
}

func (c *Client) handshake() error {
	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      c.nextID(),
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{},
			"clientInfo": map[string]any{
				"name":    "claude-mem",
				"version": "1.0.0",
			},
		},
	}
	if err := c.send(req); err != nil {
		return err
	}
	resp, err := c.readResponse()
	if err != nil {
		return err
	}
	if errObj, ok := resp["error"]; ok {
		return fmt.Errorf("MCP error: %v", errObj)
	}
	return nil
}

// callTool issues one tools/call round trip. Caller must hold c.mu.
// A transport failure mid-call drops the subprocess handle so the next
// Reconnect starts clean; an MCP-level error leaves the connection up.
func (c *Client) callTool(name string, arguments map[string]any) (map[string]any, error) {
	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      c.nextID(),
		"method":  "tools/call",
		"params": map[string]any{
			"name":      name,
			"arguments": arguments,
		},
	}
	if err := c.send(req); err != nil {
		c.closeLocked()
		return nil, fmt.Errorf("send %s: %w", name, err)
	}
	resp, err := c.readResponse()
	if err != nil {
		c.closeLocked()
		return nil, fmt.Errorf("%s response: %w", name, err)
	}
	if errObj, ok := resp["error"]; ok {
		return nil, fmt.Errorf("%s: MCP error: %v", name, errObj)
	}
	return resp, nil
}

// ensureCollection creates the project's collection when missing. Caller
// must hold c.mu.
func (c *Client) ensureCollection(project string) error {
	name := CollectionName(project)
	if c.collections[name] {
		return nil
	}

	if _, err := c.callTool("chroma_get_collection_info", map[string]any{
		"collection_name": name,
	}); err != nil {
		if _, err := c.callTool("chroma_create_collection", map[string]any{
			"collection_name":         name,
			"embedding_function_name": "default",
		}); err != nil {
			return fmt.Errorf("create collection %s: %w", name, err)
		}
		log.Info().Str("collection", name).Msg("Created ChromaDB collection")
	}

	c.collections[name] = true
	return nil
}

// AddDocuments upserts documents into the project's collection in batches.
func (c *Client) AddDocuments(ctx context.Context, project string, docs []Document) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return fmt.Errorf("not connected")
	}
	if err := c.ensureCollection(project); err != nil {
		return err
	}

	name := CollectionName(project)
	for i := 0; i < len(docs); i += c.batchSize {
		end := i + c.batchSize
		if end > len(docs) {
			end = len(docs)
		}
		batch := docs[i:end]

		documents := make([]string, len(batch))
		ids := make([]string, len(batch))
		metadatas := make([]map[string]any, len(batch))
		for j, doc := range batch {
			documents[j] = doc.Content
			ids[j] = doc.ID
			metadatas[j] = doc.Metadata
		}

		if _, err := c.callTool("chroma_add_documents", map[string]any{
			"collection_name": name,
			"documents":       documents,
			"ids":             ids,
			"metadatas":       metadatas,
		}); err != nil {
			return err
		}

		log.Debug().
			Str("collection", name).
			Int("batchStart", i).
			Int("batchEnd", end).
			Int("total", len(docs)).
			Msg("Mirrored document batch")
	}

	return nil
}

// DeleteDocuments removes documents from the project's collection by id.
func (c *Client) DeleteDocuments(ctx context.Context, project string, ids []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return fmt.Errorf("not connected")
	}
	if len(ids) == 0 {
		return nil
	}
	if err := c.ensureCollection(project); err != nil {
		return err
	}

	_, err := c.callTool("chroma_delete_documents", map[string]any{
		"collection_name": CollectionName(project),
		"ids":             ids,
	})
	return err
}

// Query runs a semantic search against the project's collection.
func (c *Client) Query(ctx context.Context, project, query string, limit int, where map[string]any) ([]QueryResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil, fmt.Errorf("not connected")
	}
	if err := c.ensureCollection(project); err != nil {
		return nil, err
	}

	args := map[string]any{
		"collection_name": CollectionName(project),
		"query_texts":     []string{query},
		"n_results":       limit,
		"include":         []string{"documents", "metadatas", "distances"},
	}
	if where != nil {
		args["where"] = where
	}

	resp, err := c.callTool("chroma_query_documents", args)
	if err != nil {
		return nil, err
	}
	return parseQueryResults(resp)
}

// parseQueryResults unpacks the MCP tool payload: the actual query result is
// a JSON document inside the first content block's text.
func parseQueryResults(resp map[string]any) ([]QueryResult, error) {
	result, ok := resp["result"].(map[string]any)
	if !ok {
		return nil, nil
	}
	content, ok := result["content"].([]any)
	if !ok || len(content) == 0 {
		return nil, nil
	}
	first, ok := content[0].(map[string]any)
	if !ok {
		return nil, nil
	}
	text, ok := first["text"].(string)
	if !ok {
		return nil, nil
	}

	var parsed struct {
		IDs       [][]string         `json:"ids"`
		Distances [][]float64        `json:"distances"`
		Metadatas [][]map[string]any `json:"metadatas"`
	}
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, err
	}
	if len(parsed.IDs) == 0 || len(parsed.IDs[0]) == 0 {
		return nil, nil
	}

	results := make([]QueryResult, len(parsed.IDs[0]))
	for i := range parsed.IDs[0] {
		results[i] = QueryResult{ID: parsed.IDs[0][i]}
		if len(parsed.Distances) > 0 && i < len(parsed.Distances[0]) {
			results[i].Distance = parsed.Distances[0][i]
		}
		if len(parsed.Metadatas) > 0 && i < len(parsed.Metadatas[0]) {
			results[i].Metadata = parsed.Metadatas[0][i]
		}
	}
	return results, nil
}

func (c *Client) send(req map[string]any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = c.stdin.Write(data)
	return err
}

func (c *Client) readResponse() (map[string]any, error) {
	line, err := c.stdout.ReadString('\n')
	if err != nil {
		return nil, err
	}
	var resp map[string]any
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) nextID() int {
	c.requestID++
	return c.requestID
}

// IsConnected reports whether the subprocess is up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close stops the subprocess. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected && c.cmd == nil {
		return nil
	}
	c.closeLocked()
	log.Info().Msg("ChromaDB connection closed")
	return nil
}

func (c *Client) closeLocked() {
	c.connected = false
	if c.stdin != nil {
		_ = c.stdin.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
		_ = c.cmd.Wait()
	}
	c.cmd = nil
}

// Reconnect tears down the subprocess and starts a fresh one. Used when the
// vector database directory has been deleted out from under the worker.
func (c *Client) Reconnect(ctx context.Context) error {
	log.Info().Msg("Reconnecting to ChromaDB")
	if err := c.Close(); err != nil {
		log.Warn().Err(err).Msg("Error closing ChromaDB during reconnect")
	}
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	return nil
}
