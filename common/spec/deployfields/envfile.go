package deployfields

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// EnvFile is the content of a deployment's generated .env file.
type EnvFile struct {
	DeploymentID string
	Name         string
	Port         int
	GatewayToken string
	Dir          string
	Values       Values
}

// WriteTo renders the env file. Every optional field is written, blank when
// unset, so the compose template never sees an undefined variable.
func (e EnvFile) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# Gateway deployment: %s\n", e.DeploymentID)
	b.WriteString("# Generated by aether\n\n")
	b.WriteString("# Auto-generated\n")
	fmt.Fprintf(&b, "%s=%d\n", FieldPort, e.Port)
	fmt.Fprintf(&b, "%s=%s\n", FieldGatewayToken, e.GatewayToken)
	fmt.Fprintf(&b, "%s=%s\n", FieldDeployName, e.Name)
	fmt.Fprintf(&b, "%s=%s\n", FieldDeployDir, e.Dir)

	group := ""
	for _, f := range catalog {
		if f.Class == ClassAuto {
			continue
		}
		g := f.Group
		if g == "" {
			g = "llm"
		}
		if g != group {
			fmt.Fprintf(&b, "\n# %s\n", groupTitle(g))
			group = g
		}
		fmt.Fprintf(&b, "%s=%s\n", f.Name, e.Values[f.Name])
	}

	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

func groupTitle(g string) string {
	switch g {
	case "llm":
		return "LLM keys"
	case "telegram":
		return "Telegram"
	case "whatsapp":
		return "WhatsApp"
	}
	return g
}

// ParseEnv reads KEY=VALUE lines, ignoring comments and blank lines. Later
// keys override earlier ones.
func ParseEnv(r io.Reader) (map[string]string, error) {
	out := map[string]string{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}
	return out, nil
}

// ReadEnvFile parses an env file back into an EnvFile. Port is zero when
// the PORT line is missing or malformed.
func ReadEnvFile(r io.Reader) (EnvFile, error) {
	kv, err := ParseEnv(r)
	if err != nil {
		return EnvFile{}, err
	}
	e := EnvFile{
		Name:         kv[FieldDeployName],
		GatewayToken: kv[FieldGatewayToken],
		Dir:          kv[FieldDeployDir],
		Values:       Values{},
	}
	if p, err := strconv.Atoi(kv[FieldPort]); err == nil {
		e.Port = p
	}
	for _, f := range catalog {
		if f.Class != ClassAuto && kv[f.Name] != "" {
			e.Values[f.Name] = kv[f.Name]
		}
	}
	return e, nil
}
