// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	cmserrors "gitcms/internal/errors"
)

const (
	PublishModeSimple            = "simple"
	PublishModeEditorialWorkflow = "editorial_workflow"

	DefaultBranch = "master"
)

type Config struct {
	Backend Backend `yaml:"backend" json:"backend"`

	MediaFolder  string       `yaml:"media_folder" json:"media_folder"`
	PublicFolder string       `yaml:"public_folder" json:"public_folder"`
	PublishMode  string       `yaml:"publish_mode" json:"publish_mode"` // simple, editorial_workflow
	Collections  []Collection `yaml:"collections" json:"collections"`

	Cache struct {
		Path   string `yaml:"path" json:"path"`
		Size   int    `yaml:"size" json:"size"`
		Prefix string `yaml:"prefix" json:"prefix"`
	} `yaml:"cache" json:"cache"`

	Server struct {
		Host   string   `yaml:"host" json:"host"`
		Port   int      `yaml:"port" json:"port"`
		Tokens []string `yaml:"tokens" json:"tokens"`
	} `yaml:"server" json:"server"`

	Gateway struct {
		RepoPath    string `yaml:"repo_path" json:"repo_path"` // empty keeps objects in memory
		DBPath      string `yaml:"db_path" json:"db_path"`
		AuthorName  string `yaml:"author_name" json:"author_name"`
		AuthorEmail string `yaml:"author_email" json:"author_email"`
	} `yaml:"gateway" json:"gateway"`

	LogLevel string `yaml:"log_level" json:"log_level"` // debug, info, warn, error
}

type Backend struct {
	Name         string `yaml:"name" json:"name"` // github, netlify-git, bitbucket
	Repo         string `yaml:"repo" json:"repo"`
	Branch       string `yaml:"branch" json:"branch"`
	APIRoot      string `yaml:"api_root" json:"api_root"`
	TokenURL     string `yaml:"token_url" json:"token_url"`
	ClientID     string `yaml:"client_id" json:"client_id"`
	ClientSecret string `yaml:"client_secret" json:"client_secret"`

	// Credentials are usually supplied through the environment.
	Token        string `yaml:"-" json:"-"`
	RefreshToken string `yaml:"-" json:"-"`
}

type Collection struct {
	Name      string           `yaml:"name" json:"name"`
	Label     string           `yaml:"label" json:"label"`
	Folder    string           `yaml:"folder" json:"folder"`
	Extension string           `yaml:"extension" json:"extension"`
	Format    string           `yaml:"format" json:"format"`
	Fields    []Field          `yaml:"fields" json:"fields"`
	Files     []CollectionFile `yaml:"files" json:"files"`
}

type CollectionFile struct {
	Name   string  `yaml:"name" json:"name"`
	Label  string  `yaml:"label" json:"label"`
	File   string  `yaml:"file" json:"file"`
	Fields []Field `yaml:"fields" json:"fields"`
}

type Field struct {
	Name    string `yaml:"name" json:"name"`
	Label   string `yaml:"label" json:"label"`
	Widget  string `yaml:"widget" json:"widget"`
	Default any    `yaml:"default,omitempty" json:"default,omitempty"`
}

// IsFolder reports whether entries are all files under one folder.
func (c Collection) IsFolder() bool {
	return c.Folder != ""
}

// EntryExtension defaults to md for folder collections.
func (c Collection) EntryExtension() string {
	if c.Extension != "" {
		return strings.TrimPrefix(c.Extension, ".")
	}
	return "md"
}

func (c Collection) File(name string) (CollectionFile, bool) {
	for _, f := range c.Files {
		if f.Name == name {
			return f, true
		}
	}
	return CollectionFile{}, false
}

func (c *Config) Collection(name string) (Collection, bool) {
	for _, col := range c.Collections {
		if col.Name == name {
			return col, true
		}
	}
	return Collection{}, false
}

// Load reads a YAML or JSON config file, then applies .env and
// GITCMS_* environment overrides and defaults.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var config Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.NewDecoder(file).Decode(&config)
	default:
		err = yaml.NewDecoder(file).Decode(&config)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	config.ApplyEnv(os.Getenv)
	config.SetDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Backend.Token, "GITCMS_TOKEN")
	set(&c.Backend.RefreshToken, "GITCMS_REFRESH_TOKEN")
	set(&c.Backend.APIRoot, "GITCMS_API_ROOT")
	set(&c.Backend.Branch, "GITCMS_BRANCH")
	set(&c.Backend.ClientID, "GITCMS_CLIENT_ID")
	set(&c.Backend.ClientSecret, "GITCMS_CLIENT_SECRET")
	set(&c.LogLevel, "GITCMS_LOG_LEVEL")
}

func (c *Config) SetDefaults() {
	if c.Backend.Name == "" {
		c.Backend.Name = "github"
	}
	if c.Backend.Branch == "" {
		c.Backend.Branch = DefaultBranch
	}
	if c.PublishMode == "" {
		c.PublishMode = PublishModeSimple
	}
	if c.Cache.Size == 0 {
		c.Cache.Size = 1000
	}
	if c.Cache.Prefix == "" {
		c.Cache.Prefix = "gh"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8081
	}
	if c.Gateway.AuthorName == "" {
		c.Gateway.AuthorName = "gitcms"
	}
	if c.Gateway.AuthorEmail == "" {
		c.Gateway.AuthorEmail = "gitcms@localhost"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) Validate() error {
	switch c.PublishMode {
	case PublishModeSimple, PublishModeEditorialWorkflow:
	default:
		return fmt.Errorf("%w: unknown publish_mode %q", cmserrors.ErrConfig, c.PublishMode)
	}
	for _, col := range c.Collections {
		if col.Name == "" {
			return fmt.Errorf("%w: collection without a name", cmserrors.ErrConfig)
		}
		if col.Folder == "" && len(col.Files) == 0 {
			return fmt.Errorf("%w: collection %q needs a folder or files", cmserrors.ErrConfig, col.Name)
		}
	}
	return nil
}
