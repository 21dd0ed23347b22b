// Package gitops records a promoted image tag in the environment's
// kustomize overlay and pushes the change, so ArgoCD reconciles the
// cluster to the same tag the pipeline deployed.
//
// The kustomization is edited as a yaml.v3 node tree: comments, key order
// and unrelated fields survive the rewrite. Only the newTag of the
// application's images changes.
package gitops

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/shinji-kodama/shipctl/internal/config"
	"github.com/shinji-kodama/shipctl/internal/git"
	shiplog "github.com/shinji-kodama/shipctl/internal/log"
	"github.com/shinji-kodama/shipctl/internal/model"
)

// KustomizationFile is the file edited inside an overlay directory.
const KustomizationFile = "kustomization.yaml"

// Result summarises a bump.
type Result struct {
	Environment model.Environment `json:"environment"`
	File        string            `json:"file"`
	Tag         string            `json:"tag"`

	// Updated lists the images whose tag changed. Empty means the overlay
	// already pointed at Tag and nothing was committed.
	Updated []string `json:"updated"`

	Committed bool `json:"committed"`
	Pushed    bool `json:"pushed"`
}

// Options tune a bump.
type Options struct {
	// Branch receives the push. Empty uses the checked-out branch.
	Branch string

	// Remote defaults to "origin".
	Remote string

	// NoPush commits locally only.
	NoPush bool
}

// Bumper edits overlays in one repository.
type Bumper struct {
	repo    *git.Repo
	project *config.Project
	creds   git.Credentials
	logger  *zap.Logger
}

// NewBumper creates a Bumper for repo.
func NewBumper(repo *git.Repo, project *config.Project, creds git.Credentials, logger *zap.Logger) *Bumper {
	return &Bumper{repo: repo, project: project, creds: creds, logger: shiplog.OrNop(logger)}
}

// Bump sets the tag of every configured image in env's overlay, then
// commits and pushes. It is a no-op when the overlay is already current.
func (b *Bumper) Bump(ctx context.Context, env model.Environment, tag string, opts Options) (*Result, error) {
	if err := model.ValidateImageTag(tag); err != nil {
		return nil, model.WrapCLIError(model.ExitInvalidArgument, "invalid image tag", err)
	}
	rel := filepath.Join(b.project.Environment(env).Overlay, KustomizationFile)
	path := filepath.Join(b.repo.Dir(), rel)
	result := &Result{Environment: env, File: rel, Tag: tag}
	log := b.logger.With(zap.String("file", rel), zap.String("tag", tag))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitGeneralError, fmt.Sprintf("failed to read %s", rel), err)
	}

	images := make([]string, len(b.project.Deployments))
	for i, d := range b.project.Deployments {
		images[i] = d.Image
	}
	out, updated, err := SetImageTags(data, images, tag)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitGeneralError, fmt.Sprintf("failed to update %s", rel), err)
	}
	result.Updated = updated
	if len(updated) == 0 {
		log.Info("overlay already at tag, nothing to commit")
		return result, nil
	}

	if err := os.WriteFile(path, out, 0o644); err != nil {
		return nil, model.WrapCLIError(model.ExitGeneralError, fmt.Sprintf("failed to write %s", rel), err)
	}

	message := fmt.Sprintf("chore(%s): bump image tag to %s", env, tag)
	committed, err := b.repo.Commit(ctx, message, rel)
	if err != nil {
		return result, err
	}
	result.Committed = committed
	if !committed || opts.NoPush {
		return result, nil
	}

	branch := opts.Branch
	if branch == "" {
		branch, err = b.repo.CurrentBranch(ctx)
		if err != nil {
			return result, err
		}
	}
	if branch == "" || branch == "HEAD" {
		return result, model.NewCLIError(model.ExitGitError,
			"cannot push from a detached HEAD; pass the branch explicitly")
	}
	remote := opts.Remote
	if remote == "" {
		remote = "origin"
	}
	if err := b.repo.Push(ctx, remote, branch, b.creds); err != nil {
		return result, err
	}
	result.Pushed = true
	log.Info("overlay updated", zap.Strings("images", updated), zap.String("branch", branch))
	return result, nil
}

// SetImageTags sets newTag on the kustomization "images" entries of the
// given repositories and returns the re-encoded document with the list of
// images that changed. An entry matches when its name (or the last path
// element of its name) equals the repository. Repositories without an
// entry get one appended.
func SetImageTags(data []byte, repositories []string, tag string) ([]byte, []string, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, err
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, nil, fmt.Errorf("kustomization is not a YAML mapping")
	}
	root := doc.Content[0]

	images := mappingValue(root, "images")
	if images == nil {
		images = &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		root.Content = append(root.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "images"}, images)
	}
	if images.Kind != yaml.SequenceNode {
		return nil, nil, fmt.Errorf("images is not a list")
	}

	var updated []string
	for _, repo := range repositories {
		entry := findImage(images, repo)
		if entry == nil {
			entry = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map", Content: []*yaml.Node{
				{Kind: yaml.ScalarNode, Tag: "!!str", Value: "name"},
				{Kind: yaml.ScalarNode, Tag: "!!str", Value: repo},
			}}
			images.Content = append(images.Content, entry)
			images.Style &^= yaml.FlowStyle
		}
		if setTag(entry, tag) {
			updated = append(updated, repo)
		}
	}
	if len(updated) == 0 {
		return data, nil, nil
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, nil, err
	}
	return buf.Bytes(), updated, nil
}

func findImage(images *yaml.Node, repo string) *yaml.Node {
	for _, entry := range images.Content {
		if entry.Kind != yaml.MappingNode {
			continue
		}
		name := mappingValue(entry, "name")
		if name == nil {
			continue
		}
		if name.Value == repo || strings.HasSuffix(name.Value, "/"+repo) {
			return entry
		}
	}
	return nil
}

// setTag writes newTag, quoted so numeric build numbers stay strings.
func setTag(entry *yaml.Node, tag string) bool {
	if v := mappingValue(entry, "newTag"); v != nil {
		if v.Value == tag {
			return false
		}
		v.Kind, v.Tag, v.Value, v.Style = yaml.ScalarNode, "!!str", tag, yaml.DoubleQuotedStyle
		return true
	}
	entry.Content = append(entry.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "newTag"},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: tag, Style: yaml.DoubleQuotedStyle})
	return true
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}
