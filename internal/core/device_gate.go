package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/example/receiptsync/internal/db"
	"github.com/example/receiptsync/internal/metrics"
	"github.com/example/receiptsync/internal/models"
)

// Device gate reasons.
const (
	ReasonGateDisabled           = "device_gate_disabled"
	ReasonNewDevice              = "new_device"
	ReasonDeviceUsed             = "device_already_used"
	ReasonPreviousAccountDeleted = "previous_account_deleted"
	ReasonAccountExists          = "account_exists"
	ReasonDeviceCheckUnavailable = "device_check_unavailable"
)

var decisionMessages = map[string]string{
	ReasonGateDisabled:           "Account creation is allowed.",
	ReasonNewDevice:              "Account creation is allowed.",
	ReasonDeviceUsed:             "An account has already been created on this device.",
	ReasonPreviousAccountDeleted: "Your previous account was deleted. You can create a new account.",
	ReasonAccountExists:          "An account with this email already exists. Please sign in instead.",
	ReasonDeviceCheckUnavailable: "Account creation is allowed.",
}

// DeviceGateDeps wires a DeviceGate.
type DeviceGateDeps struct {
	Enabled         bool
	Devices         db.DeviceRepository
	DeletedAccounts db.DeletedAccountRepository
	// Attestor is optional. Without one, attestation tokens fail open.
	Attestor  DeviceAttestor
	Directory AuthDirectory
	Logger    *zap.Logger
	Clock     Clock
}

// DeviceGate decides whether a device may create another account.
type DeviceGate struct {
	enabled   bool
	devices   db.DeviceRepository
	deleted   db.DeletedAccountRepository
	attestor  DeviceAttestor
	directory AuthDirectory
	logger    *zap.Logger
	clock     Clock
}

// NewDeviceGate creates a DeviceGate.
func NewDeviceGate(d DeviceGateDeps) *DeviceGate {
	if d.Clock == nil {
		d.Clock = SystemClock
	}
	return &DeviceGate{
		enabled:   d.Enabled,
		devices:   d.Devices,
		deleted:   d.DeletedAccounts,
		attestor:  d.Attestor,
		directory: d.Directory,
		logger:    d.Logger,
		clock:     d.Clock,
	}
}

func decide(allow bool, reason string) models.DeviceDecision {
	outcome := "blocked"
	if allow {
		outcome = "allowed"
	}
	metrics.DeviceGateDecisions.WithLabelValues(outcome, reason).Inc()
	return models.DeviceDecision{Allow: allow, Reason: reason, Message: decisionMessages[reason]}
}

// Evaluate decides whether deviceToken may create an account for email. With
// the gate disabled it allows without touching the store or any service.
func (g *DeviceGate) Evaluate(ctx context.Context, deviceToken, email string) (models.DeviceDecision, error) {
	if !g.enabled {
		return decide(true, ReasonGateDisabled), nil
	}
	deviceToken = strings.TrimSpace(deviceToken)
	email = models.NormalizeEmail(email)
	if deviceToken == "" || email == "" {
		return models.DeviceDecision{}, fmt.Errorf("%w: deviceToken and email are required", ErrInvalidArgument)
	}
	logger := g.logger.With(zap.String("email", email))

	if g.directory != nil {
		exists, err := g.directory.EmailRegistered(ctx, email)
		if err != nil {
			logger.Warn("Email registration check failed", zap.Error(err))
		} else if exists {
			return decide(false, ReasonAccountExists), nil
		}
	}

	if token, ok := models.ParseFallbackToken(deviceToken); ok {
		return g.evaluateFallback(ctx, logger, deviceToken, token, email)
	}
	return g.evaluateAttested(ctx, logger, deviceToken, email)
}

func (g *DeviceGate) evaluateFallback(ctx context.Context, logger *zap.Logger, raw string, token models.FallbackToken, email string) (models.DeviceDecision, error) {
	key := models.FallbackDeviceKey(raw)
	device, err := g.devices.Get(ctx, key)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return decide(true, ReasonNewDevice), nil
		}
		return models.DeviceDecision{}, fmt.Errorf("failed to read device record: %w", err)
	}
	if !device.HasCreatedAccount {
		return decide(true, ReasonNewDevice), nil
	}
	exempt, err := g.previousAccountReleased(ctx, email)
	if err != nil {
		return models.DeviceDecision{}, err
	}
	if !exempt {
		return decide(false, ReasonDeviceUsed), nil
	}
	// Recorded on the device so support can see why a used device got in.
	if err := g.devices.MarkExceptionAllowed(ctx, key, g.clock()); err != nil {
		logger.Warn("Failed to annotate device exception", zap.String("platform", token.Platform), zap.Error(err))
	}
	return decide(true, ReasonPreviousAccountDeleted), nil
}

func (g *DeviceGate) evaluateAttested(ctx context.Context, logger *zap.Logger, token, email string) (models.DeviceDecision, error) {
	if g.attestor == nil {
		logger.Warn("Device attestation is not configured, allowing")
		return decide(true, ReasonDeviceCheckUnavailable), nil
	}
	// Bit 0 is set once an account was created on the device. Bit 1 is unused.
	used, _, err := g.attestor.QueryBits(ctx, token)
	if err != nil {
		logger.Warn("Device attestation query failed, allowing", zap.Error(err))
		return decide(true, ReasonDeviceCheckUnavailable), nil
	}
	if !used {
		return decide(true, ReasonNewDevice), nil
	}
	exempt, err := g.previousAccountReleased(ctx, email)
	if err != nil {
		return models.DeviceDecision{}, err
	}
	if exempt {
		return decide(true, ReasonPreviousAccountDeleted), nil
	}
	return decide(false, ReasonDeviceUsed), nil
}

// previousAccountReleased reports whether email belongs to a soft-deleted
// account that no longer held an active paid subscription.
//
// A used device is normally blocked so one phone cannot farm free trials.
// Someone who deleted their own free account and signs up again with the
// same email is let through, since the recovery path hands their old data
// back instead of a fresh trial. An account that was still paying is not
// exempt: it never released its device, and it recovers through sign-in.
func (g *DeviceGate) previousAccountReleased(ctx context.Context, email string) (bool, error) {
	acct, err := g.deleted.FindSoftDeleted(ctx, email)
	if err != nil {
		return false, fmt.Errorf("failed to look up deleted account: %w", err)
	}
	if acct == nil {
		return false, nil
	}
	sub, err := acct.BackedUpSubscription()
	if err != nil {
		g.logger.Warn("Unreadable subscription backup", zap.String("userId", acct.UserID), zap.Error(err))
		return false, nil
	}
	return sub == nil || !sub.IsActivePaid(), nil
}

// CompleteAccountCreation marks the device as used once signup finished.
// Storage and attestation failures are logged, never returned.
func (g *DeviceGate) CompleteAccountCreation(ctx context.Context, deviceToken string) error {
	deviceToken = strings.TrimSpace(deviceToken)
	if deviceToken == "" {
		return fmt.Errorf("%w: deviceToken is required", ErrInvalidArgument)
	}
	if token, ok := models.ParseFallbackToken(deviceToken); ok {
		if err := g.devices.MarkAccountCreated(ctx, models.FallbackDeviceKey(deviceToken), token, g.clock()); err != nil {
			g.logger.Warn("Failed to mark fallback device", zap.String("platform", token.Platform), zap.Error(err))
		}
		return nil
	}
	if g.attestor == nil {
		return nil
	}
	if err := g.attestor.UpdateBits(ctx, deviceToken, true, false); err != nil {
		g.logger.Warn("Failed to mark attested device", zap.Error(err))
	}
	return nil
}
