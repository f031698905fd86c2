package tools_test

import (
	"context"
	"errors"
	"testing"

	"github.com/danielgtaylor/huma/v2"

	"chimera/internal/tools"
)

func echoTool() tools.Tool {
	return tools.Tool{
		Name: "echo",
		InputSchema: tools.ObjectSchema([]string{"message"}, map[string]*huma.Schema{
			"message": {Type: huma.TypeString},
		}),
		OutputSchema: tools.ObjectSchema([]string{"status"}, map[string]*huma.Schema{
			"status": {Type: huma.TypeString, Enum: []any{"success", "error"}},
		}),
		Handler: func(_ context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"status": "success", "echo": args["message"]}, nil
		},
	}
}

func TestRegisterRejectsDuplicatesAndBlanks(t *testing.T) {
	inv := tools.NewInvoker()
	if err := inv.Register(echoTool()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := inv.Register(echoTool()); err == nil {
		t.Fatal("duplicate registration accepted")
	}
	if err := inv.Register(tools.Tool{Name: "", Handler: func(context.Context, map[string]any) (map[string]any, error) { return nil, nil }}); err == nil {
		t.Fatal("blank name accepted")
	}
	if err := inv.Register(tools.Tool{Name: "no-handler"}); err == nil {
		t.Fatal("nil handler accepted")
	}
	if names := inv.Names(); len(names) != 1 || names[0] != "echo" {
		t.Fatalf("names = %v", names)
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	inv := tools.NewInvoker()
	if _, err := inv.Invoke(context.Background(), "ghost", nil); !errors.Is(err, tools.ErrUnknownTool) {
		t.Fatalf("err = %v, want ErrUnknownTool", err)
	}
}

func TestInvokeValidatesBothSides(t *testing.T) {
	inv := tools.NewInvoker()
	if err := inv.Register(echoTool()); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	// Missing required input field.
	if _, err := inv.Invoke(ctx, "echo", map[string]any{}); !errors.Is(err, tools.ErrSchemaViolation) {
		t.Fatalf("missing input err = %v, want ErrSchemaViolation", err)
	}
	// Wrong input type.
	if _, err := inv.Invoke(ctx, "echo", map[string]any{"message": 7}); !errors.Is(err, tools.ErrSchemaViolation) {
		t.Fatalf("typed input err = %v, want ErrSchemaViolation", err)
	}
	out, err := inv.Invoke(ctx, "echo", map[string]any{"message": "hi"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out["echo"] != "hi" {
		t.Fatalf("out = %v", out)
	}
}

func TestInvokeValidatesOutput(t *testing.T) {
	inv := tools.NewInvoker()
	err := inv.Register(tools.Tool{
		Name: "broken",
		OutputSchema: tools.ObjectSchema([]string{"status"}, map[string]*huma.Schema{
			"status": {Type: huma.TypeString},
		}),
		Handler: func(context.Context, map[string]any) (map[string]any, error) {
			return map[string]any{"unexpected": true}, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := inv.Invoke(context.Background(), "broken", nil); !errors.Is(err, tools.ErrSchemaViolation) {
		t.Fatalf("err = %v, want ErrSchemaViolation for bad output", err)
	}
}

func TestInvokeWrapsHandlerError(t *testing.T) {
	inv := tools.NewInvoker()
	sentinel := errors.New("upstream down")
	err := inv.Register(tools.Tool{
		Name: "flaky",
		Handler: func(context.Context, map[string]any) (map[string]any, error) {
			return nil, sentinel
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := inv.Invoke(context.Background(), "flaky", nil); !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want wrapped sentinel", err)
	}
}
