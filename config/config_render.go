package config

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/0xPolygon/exportbridge/log"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/valyala/fasttemplate"
)

const (
	startTag = "{{"
	endTag   = "}}"
	// typeMark tags unquoted vars so the file stays valid TOML while they are unresolved
	typeMark = ":int"
)

var (
	ErrCycleVars                 = fmt.Errorf("cycle vars")
	ErrMissingVars               = fmt.Errorf("missing vars")
	ErrUnsupportedConfigFileType = fmt.Errorf("unsupported config file type")

	unquotedVarRe = regexp.MustCompile(`=\s*\{\{([^}:]+)\}\}`)
	quotedMarkRe  = regexp.MustCompile(`=\s*\"\{\{([^}:]+)` + typeMark + `\}\}\"`)
	markRe        = regexp.MustCompile(`\{\{([^}:]+)` + typeMark + `\}\}`)
)

// FileData is the content of a config file, files are merged in order so later ones override
type FileData struct {
	Name    string
	Content string
}

// Renderer merges config files and resolves the {{VAR}} references inside them. A var is
// looked up first in the environment (PREFIX_VAR) and then in the merged config.
type Renderer struct {
	FilesData []FileData
	// LookupEnvFunc resolves environment variables, os.LookupEnv outside tests
	LookupEnvFunc func(key string) (string, bool)
	EnvPrefix     string
}

func NewRenderer(filesData []FileData, envPrefix string) *Renderer {
	return &Renderer{
		FilesData:     filesData,
		LookupEnvFunc: os.LookupEnv,
		EnvPrefix:     envPrefix,
	}
}

// Render merges all files and resolves their vars
func (r *Renderer) Render() (string, error) {
	merged, err := r.Merge()
	if err != nil {
		return "", fmt.Errorf("fail to merge files. Err: %w", err)
	}
	return r.ResolveVars(merged)
}

// Merge loads every file over the previous ones
func (r *Renderer) Merge() (string, error) {
	k := koanf.New(".")
	for _, data := range r.FilesData {
		content := markUnquotedVars(data.Content)
		if err := k.Load(rawbytes.Provider([]byte(content)), toml.Parser()); err != nil {
			log.Errorf("error loading file %s. Err:%v. FileData: %v", data.Name, err, content)
			return "", fmt.Errorf("fail to load converted template %s to toml. Err: %w", data.Name, err)
		}
	}
	marshaled, err := k.Marshal(toml.Parser())
	if err != nil {
		return "", fmt.Errorf("fail to marshal to toml. Err: %w", err)
	}
	return unquoteMarkedVars(string(marshaled)), nil
}

// ResolveVars replaces the vars of data. Vars referencing other vars are resolved iteratively,
// ErrCycleVars is returned if an iteration makes no progress.
func (r *Renderer) ResolveVars(data string) (string, error) {
	tpl, values, err := r.templateAndValues(data)
	if err != nil {
		return "", err
	}
	rendered := removeTypeMarks(r.execute(tpl, values))
	if missing := r.missingVars(tpl, values); len(missing) > 0 {
		return rendered, fmt.Errorf("missing vars: %v. Err: %w", missing, ErrMissingVars)
	}

	current := unquoteMarkedVars(rendered)
	pending := varsOf(current)
	for len(pending) > 0 {
		log.Debugf("resolving pending vars: %v", pending)
		tpl, values, err := r.templateAndValues(current)
		if err != nil {
			return "", fmt.Errorf("fails to read template resolving vars. Err: %w", err)
		}
		next := removeTypeMarks(unquoteMarkedVars(r.execute(tpl, values)))
		nextPending := varsOf(next)
		if len(nextPending) == len(pending) {
			return data, fmt.Errorf("not resolved cycle vars: %v. Err: %w", nextPending, ErrCycleVars)
		}
		current, pending = next, nextPending
	}
	return current, nil
}

// templateAndValues parses data as a template and returns the values it defines. The vars in
// data must be unquoted: A={{B}}, not A="{{B}}".
func (r *Renderer) templateAndValues(data string) (*fasttemplate.Template, map[string]interface{}, error) {
	tpl, err := fasttemplate.NewTemplate(data, startTag, endTag)
	if err != nil {
		return nil, nil, fmt.Errorf("fail to load template. Err:%w", err)
	}
	k := koanf.New(".")
	content := markUnquotedVars(data)
	if err := k.Load(rawbytes.Provider([]byte(content)), toml.Parser()); err != nil {
		return nil, nil, fmt.Errorf("error parsing template values. Content: %s. Err: %w", content, err)
	}
	return tpl, k.All(), nil
}

func (r *Renderer) execute(tpl *fasttemplate.Template, values map[string]interface{}) string {
	return tpl.ExecuteFuncString(func(w io.Writer, tag string) (int, error) {
		if v, ok := r.lookupEnv(tag); ok {
			return w.Write([]byte(v))
		}
		if v, ok := values[tag]; ok {
			return w.Write([]byte(fmt.Sprintf("%v", v)))
		}
		return w.Write([]byte(startTag + tag + endTag))
	})
}

func (r *Renderer) missingVars(tpl *fasttemplate.Template, values map[string]interface{}) []string {
	missing := []string{}
	seen := map[string]bool{}
	tpl.ExecuteFuncString(func(w io.Writer, tag string) (int, error) {
		if _, ok := r.lookupEnv(tag); ok {
			return 0, nil
		}
		if _, ok := values[tag]; !ok && !seen[tag] {
			seen[tag] = true
			missing = append(missing, tag)
		}
		return 0, nil
	})
	return missing
}

func (r *Renderer) lookupEnv(tag string) (string, bool) {
	return r.LookupEnvFunc(r.EnvPrefix + "_" + strings.ReplaceAll(tag, ".", "_"))
}

func varsOf(data string) []string {
	tpl, err := fasttemplate.NewTemplate(data, startTag, endTag)
	if err != nil {
		return []string{}
	}
	vars := []string{}
	tpl.ExecuteFuncString(func(w io.Writer, tag string) (int, error) {
		vars = append(vars, tag)
		return 0, nil
	})
	return vars
}

func markUnquotedVars(data string) string {
	return unquotedVarRe.ReplaceAllString(data, `= "{{${1}`+typeMark+`}}"`)
}

func unquoteMarkedVars(data string) string {
	return quotedMarkRe.ReplaceAllString(data, `= {{${1}}}`)
}

func removeTypeMarks(data string) string {
	return markRe.ReplaceAllString(data, `{{${1}}}`)
}

func convertFileToToml(fileData string, fileType string) (string, error) {
	switch strings.ToLower(fileType) {
	case "json":
		k := koanf.New(".")
		if err := k.Load(rawbytes.Provider([]byte(fileData)), json.Parser()); err != nil {
			return fileData, fmt.Errorf("error loading json file. Err: %w", err)
		}
		tomlData, err := toml.Parser().Marshal(k.Raw())
		if err != nil {
			return fileData, fmt.Errorf("error converting json to toml. Err: %w", err)
		}
		return string(tomlData), nil
	case "yml", "yaml", "ini":
		return fileData, fmt.Errorf("cant convert from %s to TOML. Err: %w", fileType, ErrUnsupportedConfigFileType)
	default:
		log.Warnf("filetype %s unknown, assuming is a TOML file", fileType)
		return fileData, nil
	}
}
