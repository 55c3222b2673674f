package vhostuser

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/vhostuser/config"
	"github.com/slackhq/vhostuser/postcopy"
	"github.com/slackhq/vhostuser/util"
	"go.yaml.in/yaml/v3"
)

// Main validates the config and builds a Control serving newBackend devices.
// With configTest set nothing is started.
func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger, newBackend func() Backend) (retcon *Control, reterr error) {
	ctx, cancel := context.WithCancel(context.Background())
	// Automatically cancel the context if Main returns an error, to signal all created goroutines to quit.
	defer func() {
		if reterr != nil {
			cancel()
		}
	}()

	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to configure the logger", err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	options, err := deviceOptions(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to read device options", err)
	}

	// Validate the device options up front, every connection builds a new device with them.
	validate := optionDefaults
	validate.apply(append(options, WithPanicFunc(func(*Device, error) {})))
	if err := validate.validate(); err != nil {
		return nil, util.NewContextualError("Invalid device config", nil, err)
	}

	path := c.GetString("listen.path", "")
	if path == "" {
		return nil, util.NewContextualError("listen.path must be set", nil, nil)
	}

	statsStart, err := startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to start stats emitter", err)
	}

	if configTest {
		return nil, nil
	}

	server, err := NewServer(l, path, c.GetBool("listen.remove_stale", true), newBackend, options...)
	if err != nil {
		return nil, util.NewContextualError("Failed to listen", map[string]any{"path": path}, err)
	}
	l.WithField("path", path).Info("Listening for front-end connections")

	c.CatchHUP(ctx)

	return &Control{
		l:          l,
		server:     server,
		ctx:        ctx,
		cancel:     cancel,
		statsStart: statsStart,
	}, nil
}

func deviceOptions(l *logrus.Logger, c *config.C) ([]Option, error) {
	options := []Option{
		WithQueues(c.GetInt("device.queues", optionDefaults.queues)),
		WithMaxMemSlots(c.GetInt("device.max_mem_slots", optionDefaults.maxMemSlots)),
		WithQueueSizeMax(c.GetInt("device.queue_size_max", optionDefaults.queueSizeMax)),
	}

	window := c.GetInt("inflight.resubmit_window", 0)
	if window < 0 {
		return nil, fmt.Errorf("inflight.resubmit_window must not be negative: %d", window)
	}
	options = append(options, WithResubmitWindow(uint64(window)))

	if c.IsSet("postcopy.enabled") {
		enabled := c.GetBool("postcopy.enabled", false)
		if enabled && !postcopy.Supported() {
			l.Warn("postcopy.enabled is set but userfaultfd is not available")
		}
		options = append(options, WithPostcopy(enabled))
	}
	return options, nil
}
