// Package wgconf edits the daemon's on-disk configuration peer-by-peer.
//
// The file is treated as a sequence of lines: a prelude (everything before
// the first sentinel), then named peer blocks. A named block is a sentinel
// line of the exact form "### Client <username>" plus every following line
// until the next sentinel or EOF. Lines outside named blocks, including
// [Peer] sections that carry no sentinel, are foreign and are preserved
// byte-for-byte across every edit.
package wgconf

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/licht8/pyWGgen-sub000/shared/models"
)

const sentinelPrefix = "### Client "

var (
	// ErrNotPresent means no named block exists for the username.
	ErrNotPresent = errors.New("peer block not present")
	// ErrAlreadyPresent means a named block for the username already exists.
	ErrAlreadyPresent = errors.New("peer block already present")
)

// Editor mutates one daemon configuration file. Every operation re-reads
// the file from disk, so edits made outside the controller are respected,
// and commits via temp-file + rename.
type Editor struct {
	path   string
	logger *slog.Logger
}

// NewEditor returns an editor over the configuration file at path.
func NewEditor(path string, logger *slog.Logger) *Editor {
	return &Editor{path: path, logger: logger}
}

type block struct {
	username string
	sentinel string   // the sentinel line, verbatim
	body     []string // every line after the sentinel, up to the next one
}

type document struct {
	prelude []string
	blocks  []block
}

func parse(content string) *document {
	doc := &document{}
	cur := -1
	for _, line := range strings.Split(content, "\n") {
		if name, ok := sentinelName(line); ok {
			doc.blocks = append(doc.blocks, block{username: name, sentinel: line})
			cur = len(doc.blocks) - 1
			continue
		}
		if cur == -1 {
			doc.prelude = append(doc.prelude, line)
		} else {
			doc.blocks[cur].body = append(doc.blocks[cur].body, line)
		}
	}
	return doc
}

func (d *document) render() string {
	lines := make([]string, 0, len(d.prelude))
	lines = append(lines, d.prelude...)
	for _, b := range d.blocks {
		lines = append(lines, b.sentinel)
		lines = append(lines, b.body...)
	}
	return strings.Join(lines, "\n")
}

func (d *document) find(username string) int {
	for i, b := range d.blocks {
		if b.username == username {
			return i
		}
	}
	return -1
}

func sentinelName(line string) (string, bool) {
	if !strings.HasPrefix(line, sentinelPrefix) {
		return "", false
	}
	name := strings.TrimSpace(line[len(sentinelPrefix):])
	if name == "" {
		return "", false
	}
	return name, true
}

func (e *Editor) load() (*document, string, error) {
	data, err := os.ReadFile(e.path)
	if err != nil {
		if os.IsNotExist(err) {
			return parse(""), "", nil
		}
		return nil, "", fmt.Errorf("reading server config: %w", err)
	}
	return parse(string(data)), string(data), nil
}

func (e *Editor) commit(doc *document) error {
	content := doc.render()
	dir := filepath.Dir(e.path)
	tmp, err := os.CreateTemp(dir, ".wgconf-*")
	if err != nil {
		return fmt.Errorf("creating temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("writing server config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing server config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing server config: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return fmt.Errorf("chmod server config: %w", err)
	}
	if err := os.Rename(tmpName, e.path); err != nil {
		return fmt.Errorf("committing server config: %w", err)
	}
	return nil
}

// Has reports whether a named block exists for username.
func (e *Editor) Has(username string) (bool, error) {
	doc, _, err := e.load()
	if err != nil {
		return false, err
	}
	return doc.find(username) >= 0, nil
}

// AddPeer appends a new named peer block at the end of the file.
func (e *Editor) AddPeer(username, publicKey, presharedKey, allowedIP string) error {
	doc, raw, err := e.load()
	if err != nil {
		return err
	}
	if doc.find(username) >= 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyPresent, username)
	}

	body := []string{
		"[Peer]",
		"PublicKey = " + publicKey,
		"PresharedKey = " + presharedKey,
		"AllowedIPs = " + allowedIP,
		"", // trailing newline for the block
	}
	newBlock := block{username: username, sentinel: sentinelPrefix + username, body: body}

	// Separate the block from what precedes it with one blank line. A
	// newline-terminated prefix already parses with a trailing "", and that
	// element renders as the blank line once the sentinel follows it.
	if len(doc.blocks) == 0 {
		if raw == "" {
			doc.prelude = nil
		} else if !strings.HasSuffix(raw, "\n") {
			doc.prelude = append(doc.prelude, "")
		}
	} else {
		last := &doc.blocks[len(doc.blocks)-1]
		if n := len(last.body); n == 0 || last.body[n-1] != "" {
			last.body = append(last.body, "")
		}
	}
	doc.blocks = append(doc.blocks, newBlock)
	return e.commit(doc)
}

// RemovePeer deletes the named block. Returns ErrNotPresent when absent.
func (e *Editor) RemovePeer(username string) error {
	doc, _, err := e.load()
	if err != nil {
		return err
	}
	i := doc.find(username)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotPresent, username)
	}
	doc.blocks = append(doc.blocks[:i], doc.blocks[i+1:]...)
	return e.commit(doc)
}

// CommentPeer prefixes every non-blank, not-already-commented line of the
// named block with "# ". The sentinel itself is already a comment and is
// left alone, so the block stays bound to the username. Idempotent.
func (e *Editor) CommentPeer(username string) error {
	return e.rewriteBlock(username, func(line string) string {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			return line
		}
		return "# " + line
	})
}

// UncommentPeer strips the "# " prefix from every line of the named block
// that carries one. Idempotent. Restores bytes identically only when the
// block was last mutated by CommentPeer on the same content.
func (e *Editor) UncommentPeer(username string) error {
	return e.rewriteBlock(username, func(line string) string {
		return strings.TrimPrefix(line, "# ")
	})
}

func (e *Editor) rewriteBlock(username string, transform func(string) string) error {
	doc, _, err := e.load()
	if err != nil {
		return err
	}
	i := doc.find(username)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotPresent, username)
	}
	for j, line := range doc.blocks[i].body {
		doc.blocks[i].body[j] = transform(line)
	}
	return e.commit(doc)
}

// ExtractPublicKey returns the PublicKey value of the named block, looking
// through comment prefixes so blocked peers still resolve.
func (e *Editor) ExtractPublicKey(username string) (string, error) {
	doc, _, err := e.load()
	if err != nil {
		return "", err
	}
	i := doc.find(username)
	if i < 0 {
		return "", fmt.Errorf("%w: %s", ErrNotPresent, username)
	}
	for _, line := range doc.blocks[i].body {
		if key, ok := keyValue(line, "PublicKey"); ok {
			return key, nil
		}
	}
	return "", nil
}

// Peers parses every named block into its ConfigPeer view.
func (e *Editor) Peers() ([]models.ConfigPeer, error) {
	doc, _, err := e.load()
	if err != nil {
		return nil, err
	}
	peers := make([]models.ConfigPeer, 0, len(doc.blocks))
	for _, b := range doc.blocks {
		peer := models.ConfigPeer{Username: b.username, Commented: true}
		seen := false
		for _, line := range b.body {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				continue
			}
			if !strings.HasPrefix(trimmed, "#") {
				peer.Commented = false
			}
			seen = true
			if key, ok := keyValue(line, "PublicKey"); ok {
				peer.PublicKey = key
			}
			if ips, ok := keyValue(line, "AllowedIPs"); ok {
				peer.AllowedIPs = splitList(ips)
			}
		}
		if !seen {
			peer.Commented = false
		}
		peers = append(peers, peer)
	}
	return peers, nil
}

// AllowedAddresses collects every AllowedIPs value anywhere in the file,
// named or foreign, commented or not. Part of the allocator's taken-set
// union: an address present only in the config must never be reissued.
func (e *Editor) AllowedAddresses() ([]string, error) {
	_, raw, err := e.load()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		if ips, ok := keyValue(line, "AllowedIPs"); ok {
			out = append(out, splitList(ips)...)
		}
	}
	return out, nil
}

// ServerInterface reports whether the file carries an [Interface] section
// and the ListenPort it declares (0 when absent).
func (e *Editor) ServerInterface() (port int, ok bool, err error) {
	_, raw, err := e.load()
	if err != nil {
		return 0, false, err
	}
	for _, line := range strings.Split(raw, "\n") {
		if strings.TrimSpace(line) == "[Interface]" {
			ok = true
		}
		if v, found := keyValue(line, "ListenPort"); found && port == 0 {
			fmt.Sscanf(v, "%d", &port)
		}
	}
	return port, ok, nil
}

// keyValue parses "Key = value" lines, tolerating a leading comment prefix.
func keyValue(line, key string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	for strings.HasPrefix(trimmed, "#") {
		trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
	}
	if !strings.HasPrefix(trimmed, key) {
		return "", false
	}
	rest := strings.TrimSpace(trimmed[len(key):])
	if !strings.HasPrefix(rest, "=") {
		return "", false
	}
	return strings.TrimSpace(rest[1:]), true
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
