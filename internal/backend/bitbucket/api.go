// Package bitbucket implements the backend on the Bitbucket 2.0 API.
package bitbucket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"gitcms/client"
	"gitcms/internal/asset"
	"gitcms/internal/logging"
	"gitcms/shared/utils"
)

const DefaultAPIRoot = "https://api.bitbucket.org/2.0"

// TypeCommitFile marks file rows in a src listing; directories are
// "commit_directory".
const TypeCommitFile = "commit_file"

type User struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

type SrcFile struct {
	Path string `json:"path"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

type Branch struct {
	Name   string `json:"name"`
	Target struct {
		Hash string `json:"hash"`
	} `json:"target"`
}

type API struct {
	client  *client.Client
	apiRoot string
	repo    string
	branch  string
	logger  *logging.Logger
}

func NewAPI(c *client.Client, apiRoot, repo, branch string, logger *logging.Logger) *API {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &API{
		client:  c,
		apiRoot: strings.TrimSuffix(apiRoot, "/"),
		repo:    repo,
		branch:  branch,
		logger:  logger,
	}
}

func (a *API) repoURL() string {
	return "/repositories/" + a.repo
}

func (a *API) User(ctx context.Context) (*User, error) {
	var u User
	if err := a.client.RequestJSON(ctx, "/user", client.Options{}, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// HasWriteAccess reports whether the repository shows up among the
// repositories username contributes to.
func (a *API) HasWriteAccess(ctx context.Context, username string) (bool, error) {
	var page struct {
		Values []struct {
			FullName string `json:"full_name"`
		} `json:"values"`
	}
	err := a.client.RequestJSON(ctx, "/repositories/"+username, client.Options{
		Params: map[string]string{
			"role": "contributor",
			"q":    fmt.Sprintf("full_name=%q", a.repo),
		},
	}, &page)
	if err != nil {
		return false, err
	}
	for _, r := range page.Values {
		if r.FullName == a.repo {
			return true, nil
		}
	}
	return false, nil
}

func (a *API) ReadFile(ctx context.Context, path, branch string) (string, error) {
	if branch == "" {
		branch = a.branch
	}
	return a.client.RequestText(ctx, a.repoURL()+"/src/"+branch+"/"+path, client.Options{})
}

// ListFiles returns the files directly under path, following the listing's
// pagination links.
func (a *API) ListFiles(ctx context.Context, path string) ([]SrcFile, error) {
	var files []SrcFile
	next := a.repoURL() + "/src/" + a.branch + "/" + path
	for next != "" {
		resp, err := a.client.Request(ctx, next, client.Options{})
		if err != nil {
			return nil, err
		}

		values := gjson.GetBytes(resp.Body, "values")
		if !values.IsArray() {
			return nil, fmt.Errorf("cannot list files, path %s is not a directory", path)
		}
		var page []SrcFile
		if err := json.Unmarshal([]byte(values.Raw), &page); err != nil {
			return nil, fmt.Errorf("decoding listing of %s: %w", path, err)
		}
		for _, f := range page {
			if f.Type == TypeCommitFile {
				files = append(files, f)
			}
		}

		next, err = a.relative(gjson.GetBytes(resp.Body, "next").String())
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

// relative turns an absolute pagination link back into a path under the
// api root.
func (a *API) relative(link string) (string, error) {
	if link == "" {
		return "", nil
	}
	if strings.HasPrefix(link, a.apiRoot) {
		return strings.TrimPrefix(link, a.apiRoot), nil
	}
	root, err := url.Parse(a.apiRoot)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("parsing pagination link: %w", err)
	}
	if !strings.HasPrefix(u.Path, root.Path) {
		return "", fmt.Errorf("pagination link %s is outside %s", link, a.apiRoot)
	}
	p := strings.TrimPrefix(u.Path, root.Path)
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p, nil
}

// PersistFiles commits every pending file in one multipart request to the
// src endpoint. Files are marked uploaded with their git blob sha once the
// commit succeeds.
func (a *API) PersistFiles(ctx context.Context, entry *asset.File, mediaFiles []*asset.File, message string) (*Branch, error) {
	files := make([]*asset.File, 0, len(mediaFiles)+1)
	files = append(files, mediaFiles...)
	files = append(files, entry)

	form := client.NewForm()
	if message != "" {
		form.AddField("message", message)
	}
	form.AddField("branch", a.branch)

	var pending []*asset.File
	hashes := make(map[*asset.File]string)
	for _, f := range files {
		if f.Uploaded() {
			continue
		}
		raw, err := f.Content()
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", f.Path, err)
		}
		form.AddFile(f.Path, raw)
		hashes[f] = utils.HashContent(raw)
		pending = append(pending, f)
	}

	if len(pending) > 0 {
		if _, err := a.client.FormRequest(ctx, a.repoURL()+"/src", form, client.Options{Method: http.MethodPost}); err != nil {
			return nil, fmt.Errorf("committing %d files: %w", len(pending), err)
		}
		for _, f := range pending {
			f.MarkUploaded(hashes[f])
		}
		a.logger.Info("committed", zap.String("branch", a.branch), zap.Int("files", len(pending)))
	}

	return a.GetBranch(ctx, "")
}

// DeleteFile removes path from branch in one commit.
func (a *API) DeleteFile(ctx context.Context, path, message, branch string) error {
	if branch == "" {
		branch = a.branch
	}
	form := client.NewForm().AddField("files", path)
	if message != "" {
		form.AddField("message", message)
	}
	form.AddField("branch", branch)

	if _, err := a.client.FormRequest(ctx, a.repoURL()+"/src", form, client.Options{Method: http.MethodPost}); err != nil {
		return fmt.Errorf("deleting %s: %w", path, err)
	}
	return nil
}

func (a *API) GetBranch(ctx context.Context, branch string) (*Branch, error) {
	if branch == "" {
		branch = a.branch
	}
	var b Branch
	if err := a.client.RequestJSON(ctx, a.repoURL()+"/refs/branches/"+url.PathEscape(branch), client.Options{}, &b); err != nil {
		return nil, err
	}
	return &b, nil
}
