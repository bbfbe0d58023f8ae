package tools

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dbrheo/dbrheo/pkg/config"
)

// RiskLevel orders how dangerous a pending call looks.
type RiskLevel int

const (
	RiskSafe RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

var riskNames = map[RiskLevel]string{
	RiskSafe:     "safe",
	RiskLow:      "low",
	RiskMedium:   "medium",
	RiskHigh:     "high",
	RiskCritical: "critical",
}

func (l RiskLevel) String() string { return riskNames[l] }

// ParseRiskLevel maps a config string to a level, defaulting to medium.
func ParseRiskLevel(s string) RiskLevel {
	for level, name := range riskNames {
		if name == strings.ToLower(s) {
			return level
		}
	}
	return RiskMedium
}

// Assessment is the evaluator's verdict on one pending call.
type Assessment struct {
	Level                RiskLevel
	Reasons              []string
	RequiresConfirmation bool
}

// EvaluatorConfig carries the overridable policy knobs.
type EvaluatorConfig struct {
	Threshold      RiskLevel
	AllowDangerous bool
	ShellWhitelist []string
	ShellBlacklist []string
	WorkspaceRoot  string
}

// Evaluator classifies pending tool calls. It never executes anything.
type Evaluator struct {
	cfg EvaluatorConfig
}

var defaultShellWhitelist = []string{
	"ls", "cat", "head", "tail", "wc", "grep", "find",
	"echo", "pwd", "date", "df", "du", "ps", "which", "file",
}

var defaultShellBlacklist = []string{
	"rm -rf /", "mkfs", "dd if=", "shutdown", "reboot", ":(){",
}

func NewEvaluator(cfg EvaluatorConfig) *Evaluator {
	if cfg.ShellWhitelist == nil {
		cfg.ShellWhitelist = defaultShellWhitelist
	}
	if cfg.ShellBlacklist == nil {
		cfg.ShellBlacklist = defaultShellBlacklist
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = "."
	}
	return &Evaluator{cfg: cfg}
}

// EvaluatorFromConfig reads the policy knobs from the resolved config.
func EvaluatorFromConfig(c *config.Config) *Evaluator {
	return NewEvaluator(EvaluatorConfig{
		Threshold:      ParseRiskLevel(c.ConfirmThreshold()),
		AllowDangerous: c.AllowsDangerous(),
		ShellWhitelist: c.GetStrings("tools.shell.whitelist"),
		ShellBlacklist: c.GetStrings("tools.shell.blacklist"),
		WorkspaceRoot:  c.WorkspaceRoot(),
	})
}

// Evaluate classifies one pending call by tool name and arguments.
func (e *Evaluator) Evaluate(toolName string, args map[string]any) Assessment {
	var a Assessment
	switch toolName {
	case "sql_execute":
		a = e.evaluateSQL(stringArg(args, "sql"), stringArg(args, "mode"))
	case "database_export":
		a = e.evaluateSQL(stringArg(args, "sql"), "")
		a = combine(a, e.evaluatePath(stringArg(args, "file"), "export target"))
	case "shell_execute":
		a = e.evaluateShell(stringArg(args, "command"))
	case "code_execution":
		a = Assessment{Level: RiskMedium, Reasons: []string{"arbitrary code execution"}}
	case "write_file":
		a = e.evaluatePath(stringArg(args, "path"), "write target")
	default:
		a = Assessment{Level: RiskSafe}
	}

	a.RequiresConfirmation = a.Level >= e.cfg.Threshold && !e.cfg.AllowDangerous
	return a
}

// Threshold reports the configured confirmation threshold.
func (e *Evaluator) Threshold() RiskLevel { return e.cfg.Threshold }

func combine(a, b Assessment) Assessment {
	out := a
	if b.Level > out.Level {
		out.Level = b.Level
	}
	out.Reasons = append(out.Reasons, b.Reasons...)
	return out
}

func (e *Evaluator) evaluateSQL(sql, mode string) Assessment {
	token := sqlFirstKeyword(sql)
	lower := strings.ToLower(sql)

	var a Assessment
	switch token {
	case "drop", "truncate", "alter":
		a = Assessment{Level: RiskHigh,
			Reasons: []string{fmt.Sprintf("%s is destructive", strings.ToUpper(token))}}
		if touchesSystemCatalog(lower) {
			a.Level = RiskCritical
			a.Reasons = append(a.Reasons, "targets a system catalog")
		}
	case "delete", "update":
		if !strings.Contains(lower, "where") {
			a = Assessment{Level: RiskHigh,
				Reasons: []string{fmt.Sprintf("%s without WHERE affects every row", strings.ToUpper(token))}}
		} else {
			a = Assessment{Level: RiskMedium,
				Reasons: []string{fmt.Sprintf("%s modifies data", strings.ToUpper(token))}}
		}
	case "insert", "create":
		a = Assessment{Level: RiskLow,
			Reasons: []string{fmt.Sprintf("%s adds data or objects", strings.ToUpper(token))}}
	case "select", "show", "explain", "pragma", "with", "describe", "desc", "values":
		a = Assessment{Level: RiskSafe}
	case "grant", "revoke":
		a = Assessment{Level: RiskHigh, Reasons: []string{"permission change"}}
	default:
		a = Assessment{Level: RiskMedium,
			Reasons: []string{fmt.Sprintf("unrecognized statement %q", token)}}
	}

	// Validation and dry runs never commit, so they are capped at low.
	if mode == "validate" || mode == "dry_run" {
		if a.Level > RiskLow {
			a.Level = RiskLow
		}
		a.Reasons = append(a.Reasons, mode+" mode does not commit")
	}
	return a
}

func (e *Evaluator) evaluateShell(command string) Assessment {
	lower := strings.ToLower(strings.TrimSpace(command))
	for _, banned := range e.cfg.ShellBlacklist {
		if strings.Contains(lower, strings.ToLower(banned)) {
			return Assessment{Level: RiskCritical,
				Reasons: []string{fmt.Sprintf("command matches blacklist entry %q", banned)}}
		}
	}

	fields := strings.Fields(lower)
	if len(fields) == 0 {
		return Assessment{Level: RiskSafe}
	}
	head := filepath.Base(fields[0])
	for _, allowed := range e.cfg.ShellWhitelist {
		if head == allowed {
			return Assessment{Level: RiskLow,
				Reasons: []string{"whitelisted command"}}
		}
	}
	return Assessment{Level: RiskHigh,
		Reasons: []string{fmt.Sprintf("command %q is not whitelisted", head)}}
}

func (e *Evaluator) evaluatePath(path, what string) Assessment {
	if path == "" {
		return Assessment{Level: RiskLow, Reasons: []string{what + " writes a file"}}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return Assessment{Level: RiskHigh, Reasons: []string{"unresolvable path"}}
	}
	root, err := filepath.Abs(e.cfg.WorkspaceRoot)
	if err == nil && insideRoot(abs, root) {
		return Assessment{Level: RiskLow, Reasons: []string{what + " is inside the workspace"}}
	}
	return Assessment{Level: RiskHigh,
		Reasons: []string{fmt.Sprintf("%s %q is outside the workspace root", what, path)}}
}

func insideRoot(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

var systemCatalogMarkers = []string{
	"pg_catalog", "information_schema", "performance_schema",
	"sqlite_master", "sqlite_schema", "mysql.",
}

func touchesSystemCatalog(lowerSQL string) bool {
	for _, marker := range systemCatalogMarkers {
		if strings.Contains(lowerSQL, marker) {
			return true
		}
	}
	return false
}

// sqlFirstKeyword returns the first keyword, lowercased, skipping
// comments.
func sqlFirstKeyword(sql string) string {
	s := strings.TrimSpace(sql)
	for {
		switch {
		case strings.HasPrefix(s, "--"):
			if idx := strings.IndexByte(s, '\n'); idx >= 0 {
				s = strings.TrimSpace(s[idx+1:])
				continue
			}
			return ""
		case strings.HasPrefix(s, "/*"):
			if idx := strings.Index(s, "*/"); idx >= 0 {
				s = strings.TrimSpace(s[idx+2:])
				continue
			}
			return ""
		}
		break
	}
	end := 0
	for end < len(s) {
		c := s[end]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_') {
			break
		}
		end++
	}
	return strings.ToLower(s[:end])
}
