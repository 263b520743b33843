package modem_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"i4.energy/across/cellular/modem"
)

func TestConfig(t *testing.T) {
	t.Run("ErrNoDialer when no dialer provided", func(t *testing.T) {
		_, err := modem.NewConfigBuilder().Build()

		if err != modem.ErrNoDialer {
			t.Errorf("expected ErrNoDialer, got: %v", err)
		}
	})

	t.Run("Defaults", func(t *testing.T) {
		cfg, err := modem.NewConfigBuilder().
			WithDialer(modem.NewTestTransport().Dialer()).
			Build()
		require.NoError(t, err)

		require.Equal(t, 5*time.Second, cfg.ATTimeout)
		require.Equal(t, 30*time.Second, cfg.InitTimeout)
		require.Equal(t, modem.DefaultPollInterval, cfg.PollInterval)
		require.Zero(t, cfg.StepTimeout, "blocking operations are unbounded by default")
		require.NotNil(t, cfg.Logger)
	})

	t.Run("Driver follows the configuration", func(t *testing.T) {
		cfg, err := modem.NewConfigBuilder().
			WithDialer(modem.NewTestTransport().Dialer()).
			WithPollInterval(20 * time.Millisecond).
			WithStepTimeout(time.Minute).
			Build()
		require.NoError(t, err)

		d := cfg.Driver()
		require.Equal(t, 20*time.Millisecond, d.Interval)
		require.Equal(t, time.Minute, d.Timeout)
	})
}
