package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"magpie-ai/internal/infra/config"
	"magpie-ai/internal/plugin"
	"magpie-ai/internal/plugin/wasm"
)

func runPlugin() error {
	if len(os.Args) < 3 {
		printPluginUsage()
		return nil
	}

	switch os.Args[2] {
	case "list":
		return runPluginList()
	case "validate":
		if len(os.Args) < 4 {
			return fmt.Errorf("usage: magpie plugin validate <path>")
		}
		return runPluginValidate(os.Args[3])
	case "init":
		if len(os.Args) < 4 {
			return fmt.Errorf("usage: magpie plugin init <name>")
		}
		return runPluginInit(os.Args[3])
	default:
		return fmt.Errorf("unknown plugin subcommand: %s\n\nRun 'magpie plugin' for usage", os.Args[2])
	}
}

func printPluginUsage() {
	fmt.Println(`magpie plugin - Plugin development tools

USAGE:
    magpie plugin <COMMAND>

COMMANDS:
    list               List locally installed plugins
    validate <path>    Validate a plugin package at the given path
    init <name>        Scaffold a new WASM plugin project`)
}

func runPluginList() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	entries, err := plugin.ScanRoot(cfg.Plugins.Dir)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	if len(entries) == 0 {
		fmt.Println("No plugins found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVERSION\tISOLATED\tPERMISSIONS\tSTATUS")
	for _, e := range entries {
		if e.Err != nil {
			fmt.Fprintf(w, "%s\t-\t-\t-\tinvalid: %v\n", filepath.Base(e.Dir), e.Err)
			continue
		}
		isolated := "yes"
		if e.Manifest.Isolated != nil && !*e.Manifest.Isolated {
			isolated = "no"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\tok\n",
			e.Manifest.ID, e.Manifest.Version, isolated, permissionSummary(e))
	}
	return w.Flush()
}

func permissionSummary(e plugin.ScanEntry) string {
	p := e.Manifest.Permissions
	if p == nil {
		return "-"
	}
	var parts []string
	if p.Filesystem.Granted() {
		parts = append(parts, "fs")
	}
	if p.Network.Granted() {
		parts = append(parts, "net")
	}
	if p.Shell {
		parts = append(parts, "shell")
	}
	if p.Env {
		parts = append(parts, "env")
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ", ")
}

func runPluginValidate(path string) error {
	raw, err := os.ReadFile(filepath.Join(path, plugin.ManifestFileName))
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}

	res := plugin.ValidateManifest(raw)
	if !res.Valid {
		fmt.Println("Validation results:")
		for _, issue := range res.Errors {
			fmt.Printf("  FAIL: %s\n", issue)
		}
		return fmt.Errorf("validation failed with %d issues", len(res.Errors))
	}

	manifest, err := plugin.ParseManifest(raw)
	if err != nil {
		return err
	}
	fmt.Printf("PASS: manifest %q v%s is valid\n", manifest.ID, manifest.Version)

	wasmPath := filepath.Join(path, plugin.WasmFileName)
	wasmBytes, err := os.ReadFile(wasmPath)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Printf("WARN: %s not found, build it before installing\n", plugin.WasmFileName)
			return nil
		}
		return fmt.Errorf("read wasm binary: %w", err)
	}

	// Compile check catches a malformed or wrongly-targeted binary early.
	ctx := context.Background()
	rt := wasm.NewRuntime(ctx, 1024, slogDiscard())
	defer rt.Close(ctx)

	if _, err := rt.Inner().CompileModule(ctx, wasmBytes); err != nil {
		fmt.Printf("FAIL: wasm compile failed: %v\n", err)
		return fmt.Errorf("validation failed")
	}
	fmt.Println("PASS: WASM binary compiles successfully")
	return nil
}

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func runPluginInit(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\. ") {
		return fmt.Errorf("invalid plugin name %q: must be a simple identifier", name)
	}

	if _, err := os.Stat(name); err == nil {
		return fmt.Errorf("directory %q already exists", name)
	}

	if err := os.MkdirAll(name, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	files := map[string]string{
		plugin.ManifestFileName: pluginManifestTemplate(name),
		"main.go":               pluginMainGoTemplate(name),
		"Makefile":              pluginMakefileTemplate(),
		"README.md":             pluginReadmeTemplate(name),
	}

	for filename, content := range files {
		p := filepath.Join(name, filename)
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", filename, err)
		}
	}

	fmt.Printf("Plugin %q scaffolded successfully!\n\n", name)
	fmt.Println("Next steps:")
	fmt.Printf("  cd %s\n", name)
	fmt.Println("  # Edit main.go with your plugin logic")
	fmt.Println("  make build")
	fmt.Println("  magpie plugin validate .")
	return nil
}

func pluginManifestTemplate(name string) string {
	return `{
  "id": "` + name + `",
  "name": "` + name + `",
  "version": "0.1.0",
  "description": "A magpie plugin",
  "permissions": {},
  "isolated": true,
  "defaultConfig": {}
}
`
}

func pluginMainGoTemplate(name string) string {
	return `//go:build tinygo

package main

import "unsafe"

// Host function imports from magpie_v1.

//go:wasmimport magpie_v1 host_send
func hostSend(ptr uintptr, size uint32)

//go:wasmimport magpie_v1 log
func hostLog(level uint32, ptr uintptr, size uint32)

// Memory management exports for the host.

//export malloc
func wasmMalloc(size uint32) uintptr {
	buf := make([]byte, size)
	return uintptr(unsafe.Pointer(&buf[0]))
}

//export free
func wasmFree(ptr uintptr, size uint32) {
	// No-op: TinyGo GC handles deallocation.
}

//export plugin_recv
func pluginRecv(ptr uintptr, size uint32) {
	msg := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), size)
	_ = msg
	// Decode the envelope, handle "init" and "call" messages, reply with
	// correlated "result"/"error" messages via hostSend. See
	// pkg/pluginsdk/wasm for the full ABI contract.
	logInfo("` + name + ` received a message")
}

func logInfo(msg string) {
	b := []byte(msg)
	hostLog(1, uintptr(unsafe.Pointer(&b[0])), uint32(len(b)))
}

func main() {}
`
}

func pluginMakefileTemplate() string {
	return `build:
	tinygo build -o plugin.wasm -target=wasi -no-debug .

.PHONY: build
`
}

func pluginReadmeTemplate(name string) string {
	return `# ` + name + `

A magpie plugin. Build with TinyGo:

    make build
    magpie plugin validate .

Install by copying this directory into the host's plugin root.
`
}
