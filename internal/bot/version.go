package bot

import (
	"context"
	"fmt"
)

// Version is the released version of the relay. Bump it together with
// Changelog so the startup announcement fires once per release.
const Version = "1.0.0"

// Changelog is announced to the changelog chat the first time a new version
// starts up.
const Changelog = "Initial release: feed polling, severity filters, location subscriptions, and alert history."

const lastAnnouncedVersionKey = "last_announced_version"

// AnnounceVersion posts the changelog when the running version differs from
// the last announced one, then records the new version. Safe to call on
// every startup.
func (b *Bot) AnnounceVersion(ctx context.Context) error {
	last, ok, err := b.store.GetState(ctx, lastAnnouncedVersionKey)
	if err != nil {
		return fmt.Errorf("reading announced version: %w", err)
	}
	if ok && last == Version {
		return nil
	}

	text := fmt.Sprintf("<b>%s v%s</b>\n%s", b.messenger.BotName(), Version, Changelog)
	if err := b.messenger.Announce(text); err != nil {
		return fmt.Errorf("announcing version: %w", err)
	}
	if err := b.store.SetState(ctx, lastAnnouncedVersionKey, Version); err != nil {
		return fmt.Errorf("recording announced version: %w", err)
	}
	b.logger.Info("version announced", "version", Version, "previous", last)
	return nil
}
