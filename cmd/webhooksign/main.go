package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/wizardbeardstudio/streamwallet/internal/deposits"
)

func main() {
	in := flag.String("in", "", "webhook body file; stdin when empty")
	curl := flag.String("curl", "", "print a curl command posting the body to this base url")
	flag.Parse()

	secret, err := resolveValueSource("WALLET_WEBHOOK_SECRET", "WALLET_WEBHOOK_SECRET_FILE", "WALLET_WEBHOOK_SECRET_COMMAND")
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve webhook secret: %v\n", err)
		os.Exit(1)
	}
	if secret == "" {
		fmt.Fprintln(os.Stderr, "usage: WALLET_WEBHOOK_SECRET=<secret> go run ./cmd/webhooksign [--in <body.json>] [--curl http://localhost:8080]")
		os.Exit(2)
	}

	body, err := readBody(*in)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read body: %v\n", err)
		os.Exit(1)
	}
	sig := deposits.Sign([]byte(secret), body)
	if *curl == "" {
		fmt.Println(sig)
		return
	}
	fmt.Println(curlCommand(*curl, sig, body))
}

func readBody(path string) ([]byte, error) {
	if path == "" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func curlCommand(baseURL, sig string, body []byte) string {
	return fmt.Sprintf("curl -sS -X POST %s/v1/webhooks/payments -H 'Content-Type: application/json' -H '%s: %s' --data-binary '%s'",
		strings.TrimRight(baseURL, "/"), deposits.SignatureHeader, sig, strings.ReplaceAll(string(body), "'", `'\''`))
}

// resolveValueSource prefers a file, then a command, then the plain variable.
func resolveValueSource(valueEnv, fileEnv, commandEnv string) (string, error) {
	if p := strings.TrimSpace(os.Getenv(fileEnv)); p != "" {
		data, err := os.ReadFile(p)
		if err != nil {
			return "", fmt.Errorf("read %s file %q: %w", valueEnv, p, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	if cmdRaw := strings.TrimSpace(os.Getenv(commandEnv)); cmdRaw != "" {
		out, err := exec.Command("bash", "-lc", cmdRaw).Output()
		if err != nil {
			return "", fmt.Errorf("run %s command: %w", valueEnv, err)
		}
		return strings.TrimSpace(string(out)), nil
	}
	return strings.TrimSpace(os.Getenv(valueEnv)), nil
}
