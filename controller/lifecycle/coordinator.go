// Package lifecycle orchestrates user provisioning across the allocator,
// the user store, the server-config editor, and the artifact renderer.
// One process-wide administrative lock serialises every mutation; within
// an operation, effects land in a fixed order: store, config, reload,
// artifacts.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/licht8/pyWGgen-sub000/controller/alloc"
	"github.com/licht8/pyWGgen-sub000/controller/config"
	"github.com/licht8/pyWGgen-sub000/controller/render"
	"github.com/licht8/pyWGgen-sub000/controller/store"
	"github.com/licht8/pyWGgen-sub000/controller/wgconf"
	"github.com/licht8/pyWGgen-sub000/shared/models"
	"github.com/licht8/pyWGgen-sub000/shared/utils"
)

// CreateRequest carries the operator inputs for provisioning one user.
type CreateRequest struct {
	Username     string
	LifetimeDays int // 0 means the configured default
	Email        string
	Telegram     string
	Notes        string
}

// Coordinator owns the transactional contract over the core components.
type Coordinator struct {
	mu sync.Mutex // the administrative lock

	cfg      *config.Config
	store    *store.Store
	editor   *wgconf.Editor
	reloader wgconf.Reloader
	renderer *render.Renderer
	journal  *store.Journal // optional
	now      func() time.Time
	logger   *slog.Logger
}

// New wires a coordinator. journal may be nil; now defaults to time.Now.
func New(cfg *config.Config, st *store.Store, editor *wgconf.Editor, reloader wgconf.Reloader, renderer *render.Renderer, journal *store.Journal, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		store:    st,
		editor:   editor,
		reloader: reloader,
		renderer: renderer,
		journal:  journal,
		now:      time.Now,
		logger:   logger,
	}
}

// SetClock overrides the coordinator's clock. Intended for tests and the
// expiry sweep scenarios.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

func (c *Coordinator) audit(username, action, detail string, err error) {
	if c.journal == nil {
		return
	}
	if err != nil {
		detail = fmt.Sprintf("%s: %v", detail, err)
	}
	if jerr := c.journal.Append(store.AuditEntry{
		Username: username,
		Action:   action,
		Detail:   detail,
		Success:  err == nil,
	}); jerr != nil {
		c.logger.Warn("audit append failed", "user", username, "action", action, "error", jerr)
	}
}

// Create provisions a new user: identity, address, store record, config
// block, reload, client artifacts. If the config edit or the reload
// fails, the store write is reverted; if only the artifact render fails,
// the user stands and can be re-rendered via Rotate.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (rec *models.UserRecord, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() { c.audit(req.Username, "create", "", err) }()

	if !models.ValidUsername(req.Username) {
		return nil, fmt.Errorf("invalid username %q", req.Username)
	}
	if existing, ok := c.store.Get(req.Username); ok && !existing.Deleted() {
		return nil, fmt.Errorf("%w: %s", ErrUserExists, req.Username)
	}
	if has, herr := c.editor.Has(req.Username); herr != nil {
		return nil, herr
	} else if has {
		return nil, fmt.Errorf("%w: named block for %s in server config", ErrUserExists, req.Username)
	}

	priv, pub, err := alloc.Keypair()
	if err != nil {
		return nil, err
	}
	psk, err := alloc.Preshared()
	if err != nil {
		return nil, err
	}

	addr, err := c.allocateAddress()
	if err != nil {
		return nil, err
	}

	days := req.LifetimeDays
	if days <= 0 {
		days = c.cfg.DefaultLifetimeDays
	}
	now := c.now().UTC()
	rec = &models.UserRecord{
		Username:     req.Username,
		UserID:       utils.GenerateID(),
		PublicKey:    pub,
		PresharedKey: psk,
		Address:      addr + "/32",
		CreatedAt:    now,
		ExpiresAt:    now.AddDate(0, 0, days),
		Status:       models.StatusActive,
		Email:        req.Email,
		Telegram:     req.Telegram,
		Notes:        req.Notes,
	}

	if err = c.store.Put(rec); err != nil {
		return nil, err
	}
	if err = c.editor.AddPeer(rec.Username, pub, psk, rec.Address); err != nil {
		c.rollbackCreate(rec.Username, false)
		return nil, err
	}
	if err = c.reloader.Reload(ctx); err != nil {
		c.rollbackCreate(rec.Username, true)
		return nil, err
	}

	confPath, qrPath, renderErr := c.renderer.Render(rec, priv)
	priv = "" // the private key is forgotten here
	if renderErr != nil {
		// Steps 5-7 stand; the operator can rotate to re-render later.
		c.logger.Warn("artifact render failed, user stands", "user", rec.Username, "error", renderErr)
		return rec, nil
	}
	rec.ClientConfigPath = confPath
	rec.QRPath = qrPath
	if perr := c.store.Put(rec); perr != nil {
		c.logger.Warn("recording artifact paths failed", "user", rec.Username, "error", perr)
	}
	return rec, nil
}

func (c *Coordinator) rollbackCreate(username string, removePeer bool) {
	if removePeer {
		if err := c.editor.RemovePeer(username); err != nil && !errors.Is(err, wgconf.ErrNotPresent) {
			c.logger.Error("create rollback: removing peer failed", "user", username, "error", err)
		}
	}
	if err := c.store.Delete(username); err != nil {
		c.logger.Error("create rollback: deleting record failed", "user", username, "error", err)
	}
}

// allocateAddress takes the union of addresses known to the store and to
// the server configuration, then picks the lowest free host.
func (c *Coordinator) allocateAddress() (string, error) {
	taken := c.store.Addresses()
	confAddrs, err := c.editor.AllowedAddresses()
	if err != nil {
		return "", err
	}
	taken = append(taken, confAddrs...)

	allocator := &alloc.Allocator{Subnet: c.cfg.SubnetNet(), ServerIP: c.cfg.ServerIP()}
	ip, err := allocator.NextFree(taken)
	if err != nil {
		return "", err
	}
	return ip.String(), nil
}

// Block comments the user's peer block out of the running configuration.
func (c *Coordinator) Block(ctx context.Context, username string) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() { c.audit(username, "block", "", err) }()

	rec, ok := c.store.Get(username)
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrUnknownUser, username)
	}
	if rec.Deleted() {
		return fmt.Errorf("%w: %s", ErrUserDeleted, username)
	}
	if rec.Status != models.StatusActive {
		return fmt.Errorf("%w: %s is %s", ErrNotActive, username, rec.Status)
	}

	prev := rec.Status
	rec.Status = models.StatusBlocked
	if err = c.store.Put(rec); err != nil {
		return err
	}
	if err = c.editor.CommentPeer(username); err != nil {
		rec.Status = prev
		if perr := c.store.Put(rec); perr != nil {
			c.logger.Error("block rollback failed", "user", username, "error", perr)
		}
		return err
	}
	return c.reloader.Reload(ctx)
}

// Unblock restores a blocked (or expired) user's peer block and marks the
// record active again.
func (c *Coordinator) Unblock(ctx context.Context, username string) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() { c.audit(username, "unblock", "", err) }()

	rec, ok := c.store.Get(username)
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrUnknownUser, username)
	}
	if rec.Deleted() {
		return fmt.Errorf("%w: %s", ErrUserDeleted, username)
	}
	if rec.Status != models.StatusBlocked && rec.Status != models.StatusExpired {
		return fmt.Errorf("%w: %s is %s", ErrNotBlocked, username, rec.Status)
	}

	if err = c.editor.UncommentPeer(username); err != nil {
		return err
	}
	if err = c.reloader.Reload(ctx); err != nil {
		return err
	}
	rec.Status = models.StatusActive
	return c.store.Put(rec)
}

// Delete removes the user from the daemon and soft-deletes the record:
// keys are purged, audit fields are preserved, artifacts are archived.
func (c *Coordinator) Delete(ctx context.Context, username string) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() { c.audit(username, "delete", "", err) }()

	rec, ok := c.store.Get(username)
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrUnknownUser, username)
	}
	if rec.Deleted() {
		return nil // already deleted; idempotent
	}

	if err = c.editor.RemovePeer(username); err != nil {
		if !errors.Is(err, wgconf.ErrNotPresent) {
			return err
		}
	} else if err = c.reloader.Reload(ctx); err != nil {
		return err
	}
	err = nil

	if aerr := c.renderer.Archive(rec); aerr != nil {
		c.logger.Warn("archiving artifacts failed", "user", username, "error", aerr)
	}

	now := c.now().UTC()
	rec.Status = models.StatusDeleted
	rec.DeletedAt = &now
	rec.PublicKey = ""
	rec.PresharedKey = ""
	rec.QRPath = ""
	rec.ClientConfigPath = ""
	// Username, user ID, created_at, address, and traffic totals stay for
	// the audit trail.
	return c.store.Put(rec)
}

// Extend pushes the expiry out by days.
func (c *Coordinator) Extend(ctx context.Context, username string, days int) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() { c.audit(username, "extend", fmt.Sprintf("%dd", days), err) }()

	rec, ok := c.store.Get(username)
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrUnknownUser, username)
	}
	if rec.Deleted() {
		return fmt.Errorf("%w: %s", ErrUserDeleted, username)
	}
	rec.ExpiresAt = rec.ExpiresAt.AddDate(0, 0, days)
	return c.store.Put(rec)
}

// Reset restarts the lifetime from now. A record blocked by expiry stays
// blocked; the operator unblocks separately.
func (c *Coordinator) Reset(ctx context.Context, username string, days int) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() { c.audit(username, "reset", fmt.Sprintf("%dd", days), err) }()

	rec, ok := c.store.Get(username)
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrUnknownUser, username)
	}
	if rec.Deleted() {
		return fmt.Errorf("%w: %s", ErrUserDeleted, username)
	}
	if days <= 0 {
		days = c.cfg.DefaultLifetimeDays
	}
	rec.ExpiresAt = c.now().UTC().AddDate(0, 0, days)
	return c.store.Put(rec)
}

// Sweep transitions every lapsed active user to expired and comments its
// peer block. However many users lapse, the daemon is reloaded once.
func (c *Coordinator) Sweep(ctx context.Context) (expired int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() { c.audit("", "sweep", fmt.Sprintf("%d expired", expired), err) }()

	now := c.now().UTC()
	lapsed := c.store.List(func(r *models.UserRecord) bool { return r.ExpiredBy(now) })

	for _, rec := range lapsed {
		prev := rec.Status
		rec.Status = models.StatusExpired
		if perr := c.store.Put(rec); perr != nil {
			return expired, perr
		}
		if cerr := c.editor.CommentPeer(rec.Username); cerr != nil && !errors.Is(cerr, wgconf.ErrNotPresent) {
			rec.Status = prev
			if perr := c.store.Put(rec); perr != nil {
				c.logger.Error("sweep rollback failed", "user", rec.Username, "error", perr)
			}
			return expired, cerr
		}
		expired++
	}
	if expired > 0 {
		if err = c.reloader.Reload(ctx); err != nil {
			return expired, err
		}
	}
	return expired, nil
}

// Rotate issues a fresh identity for an active user and re-renders the
// client artifacts. This is the only way to regain a client config, since
// private keys are never stored.
func (c *Coordinator) Rotate(ctx context.Context, username string) (rec *models.UserRecord, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() { c.audit(username, "rotate", "", err) }()

	prev, ok := c.store.Get(username)
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrUnknownUser, username)
	}
	if prev.Deleted() {
		return nil, fmt.Errorf("%w: %s", ErrUserDeleted, username)
	}
	if prev.Status != models.StatusActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotActive, username, prev.Status)
	}

	priv, pub, err := alloc.Keypair()
	if err != nil {
		return nil, err
	}
	psk, err := alloc.Preshared()
	if err != nil {
		return nil, err
	}

	updated := *prev
	updated.PublicKey = pub
	updated.PresharedKey = psk
	// Counters restart with the new identity; the accumulated totals stay.
	updated.SessionReceived = 0
	updated.SessionSent = 0

	if err = c.store.Put(&updated); err != nil {
		return nil, err
	}
	if err = c.editor.RemovePeer(username); err != nil && !errors.Is(err, wgconf.ErrNotPresent) {
		c.restoreRecord(prev)
		return nil, err
	}
	if err = c.editor.AddPeer(username, pub, psk, updated.Address); err != nil {
		c.restoreRecord(prev)
		return nil, err
	}
	if err = c.reloader.Reload(ctx); err != nil {
		return nil, err
	}

	confPath, qrPath, renderErr := c.renderer.Render(&updated, priv)
	priv = ""
	if renderErr != nil {
		c.logger.Warn("artifact render failed after rotate", "user", username, "error", renderErr)
		err = nil
		return &updated, nil
	}
	updated.ClientConfigPath = confPath
	updated.QRPath = qrPath
	if perr := c.store.Put(&updated); perr != nil {
		c.logger.Warn("recording artifact paths failed", "user", username, "error", perr)
	}
	return &updated, nil
}

func (c *Coordinator) restoreRecord(prev *models.UserRecord) {
	if err := c.store.Put(prev); err != nil {
		c.logger.Error("restoring record failed", "user", prev.Username, "error", err)
	}
}
