package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/mavu-ai/voicewire/pkg/audio"
)

// Compile-time assertion that Device satisfies Source.
var _ Source = (*Device)(nil)

// Device captures from the default microphone via miniaudio. The audio
// thread's data callback never blocks: when the consumer falls behind, whole
// frames are dropped and counted rather than stalling the device.
type Device struct {
	cfg     Config
	mctx    *malgo.AllocatedContext
	dev     *malgo.Device
	frames  chan audio.Frame
	framer  *framer
	dropped int64

	mu        sync.Mutex
	started   bool
	closeOnce sync.Once
}

// NewDevice initializes the default capture device at the configured rate.
// The device does not record until [Device.Start].
func NewDevice(cfg Config) (*Device, error) {
	cfg.applyDefaults()

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{
		ThreadPriority: malgo.ThreadPriorityRealtime,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("capture: init context: %w", err)
	}

	d := &Device{
		cfg:    cfg,
		mctx:   mctx,
		frames: make(chan audio.Frame, DefaultFrameQueue),
		framer: newFramer(cfg.SampleRate, cfg.FrameDuration),
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = 20

	dev, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			d.onData(input)
		},
	})
	if err != nil {
		_ = mctx.Uninit()
		return nil, fmt.Errorf("capture: init device: %w", err)
	}
	d.dev = dev

	return d, nil
}

// Start begins recording. Idempotent.
func (d *Device) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil
	}
	if err := d.dev.Start(); err != nil {
		return fmt.Errorf("capture: start device: %w", err)
	}
	d.started = true
	return nil
}

// Frames returns the captured frame stream.
func (d *Device) Frames() <-chan audio.Frame { return d.frames }

// Dropped returns the number of frames discarded because the consumer fell
// behind.
func (d *Device) Dropped() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Close stops the device and releases the audio context. Idempotent.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.dev.Stop()
		d.dev.Uninit()
		_ = d.mctx.Uninit()
		close(d.frames)
	})
	return nil
}

// onData runs on the miniaudio thread. It must return promptly.
func (d *Device) onData(input []byte) {
	for _, frame := range d.framer.push(input) {
		select {
		case d.frames <- frame:
		default:
			d.mu.Lock()
			d.dropped++
			n := d.dropped
			d.mu.Unlock()
			slog.Warn("capture frame dropped", "dropped_total", n)
		}
	}
}
