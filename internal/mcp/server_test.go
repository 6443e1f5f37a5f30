package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/textenc/internal/encode"
	"github.com/MrWong99/textenc/internal/mcp"
	"github.com/MrWong99/textenc/pkg/cache"
	"github.com/MrWong99/textenc/pkg/encoder"
	encmock "github.com/MrWong99/textenc/pkg/encoder/mock"
)

var testNS = cache.Namespace{Model: "fake-embed", Dimensions: 2}

func newEncoder(t *testing.T, fn func(context.Context, []string) ([][]float32, error)) *encode.Orchestrator {
	t.Helper()
	p := &encmock.Provider{ModelIDValue: testNS.Model, DimensionsValue: testNS.Dimensions, EncodeFunc: fn}
	orch, err := encode.New(p, encode.WithBatchSize(2))
	if err != nil {
		t.Fatalf("encode.New: %v", err)
	}
	return orch
}

func lenVectors(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, s := range texts {
		out[i] = []float32{float32(len(s)), 0}
	}
	return out, nil
}

// connect serves srv over in-memory transports and returns a client session.
func connect(t *testing.T, srv *mcp.Server) *mcpsdk.ClientSession {
	t.Helper()
	ctx := context.Background()
	serverT, clientT := mcpsdk.NewInMemoryTransports()
	ss, err := srv.Connect(ctx, serverT)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { _ = ss.Close() })

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	cs, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func resultText(t *testing.T, res *mcpsdk.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("empty tool result content")
	}
	tc, ok := res.Content[0].(*mcpsdk.TextContent)
	if !ok {
		t.Fatalf("content[0] is %T, want *TextContent", res.Content[0])
	}
	return tc.Text
}

func TestServer_ListTools(t *testing.T) {
	cs := connect(t, mcp.NewServer(newEncoder(t, lenVectors), testNS))

	res, err := cs.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	names := map[string]bool{}
	for _, tool := range res.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{mcp.ToolEncodeTexts, mcp.ToolDescribeEncoder} {
		if !names[want] {
			t.Errorf("tool %q not listed", want)
		}
	}
}

func TestServer_EncodeTexts(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		cs := connect(t, mcp.NewServer(newEncoder(t, lenVectors), testNS))
		res, err := cs.CallTool(context.Background(), &mcpsdk.CallToolParams{
			Name:      mcp.ToolEncodeTexts,
			Arguments: map[string]any{"texts": []string{"a", "bbb", "cc"}, "parallel": parallel},
		})
		if err != nil {
			t.Fatalf("CallTool: %v", err)
		}
		if res.IsError {
			t.Fatalf("tool error: %s", resultText(t, res))
		}
		var out mcp.EncodeOutput
		if err := json.Unmarshal([]byte(resultText(t, res)), &out); err != nil {
			t.Fatalf("decode output: %v", err)
		}
		if out.Model != testNS.Model || out.Dimensions != testNS.Dimensions {
			t.Errorf("parallel=%v: output namespace = %s@%d", parallel, out.Model, out.Dimensions)
		}
		if len(out.Vectors) != 3 {
			t.Fatalf("parallel=%v: %d vectors, want 3", parallel, len(out.Vectors))
		}
		for i, want := range []float32{1, 3, 2} {
			if out.Vectors[i][0] != want {
				t.Errorf("parallel=%v: vector %d = %v, want first component %v", parallel, i, out.Vectors[i], want)
			}
		}
	}
}

func TestServer_EncodeTexts_TooMany(t *testing.T) {
	cs := connect(t, mcp.NewServer(newEncoder(t, lenVectors), testNS, mcp.WithMaxTexts(2)))
	res, err := cs.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      mcp.ToolEncodeTexts,
		Arguments: map[string]any{"texts": []string{"a", "b", "c"}},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !res.IsError || !strings.Contains(resultText(t, res), "too many texts") {
		t.Errorf("result = %+v, want a too-many-texts tool error", res)
	}
}

func TestServer_EncodeTexts_OversizeReportsPosition(t *testing.T) {
	orch := newEncoder(t, func(_ context.Context, texts []string) ([][]float32, error) {
		for _, s := range texts {
			if len(s) > 3 {
				return nil, encoder.NewOversizeInputError("fake", texts, errors.New("too long"))
			}
		}
		return lenVectors(context.Background(), texts)
	})
	cs := connect(t, mcp.NewServer(orch, testNS))
	res, err := cs.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      mcp.ToolEncodeTexts,
		Arguments: map[string]any{"texts": []string{"a", "b", "c", "longer"}},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected a tool error")
	}
	if msg := resultText(t, res); !strings.Contains(msg, "text 3 rejected") {
		t.Errorf("error text = %q, want position 3", msg)
	}
}

func TestServer_DescribeEncoder(t *testing.T) {
	cs := connect(t, mcp.NewServer(newEncoder(t, lenVectors), testNS, mcp.WithCacheLabel("file")))
	res, err := cs.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      mcp.ToolDescribeEncoder,
		Arguments: map[string]any{},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	var out mcp.DescribeOutput
	if err := json.Unmarshal([]byte(resultText(t, res)), &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	want := mcp.DescribeOutput{
		Model:      testNS.Model,
		Dimensions: testNS.Dimensions,
		Namespace:  testNS.UUID().String(),
		Cache:      "file",
		MaxTexts:   mcp.DefaultMaxTexts,
	}
	if out != want {
		t.Errorf("describe = %+v, want %+v", out, want)
	}
}
