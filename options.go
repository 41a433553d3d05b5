package toxfile

import (
	"fmt"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/opd-ai/toxfile/file"
	"github.com/opd-ai/toxfile/limits"
	"github.com/opd-ai/toxfile/transport"
)

var validate = validator.New()

// maxDataChunk is the largest chunk that still fits a file data packet in
// one UDP datagram: the packet type byte and the 40-byte header come first.
const maxDataChunk = limits.MaxPacketSize - 1 - 40

// Options contains configuration options for a Client.
type Options struct {
	// ListenAddr is the UDP address to bind when no Transport is given.
	ListenAddr string `env:"TOXFILE_LISTEN_ADDR" validate:"required_without=Transport"`
	// IterationInterval is the cadence of Run's scheduler loop.
	IterationInterval time.Duration `env:"TOXFILE_ITERATION_INTERVAL" validate:"gt=0"`
	// ChunkSize is the length of each chunk request.
	ChunkSize uint32 `env:"TOXFILE_CHUNK_SIZE" validate:"gt=0"`
	// WindowSize bounds unacknowledged bytes per outgoing transfer.
	WindowSize uint64 `env:"TOXFILE_WINDOW_SIZE"`
	// SpeedSampleInterval is the speed sampling cadence; negative disables sampling.
	SpeedSampleInterval time.Duration `env:"TOXFILE_SPEED_SAMPLE_INTERVAL"`
	// StallTimeout is how long a full send window waits for an acknowledgement
	// before resending from the last acknowledged byte.
	StallTimeout time.Duration `env:"TOXFILE_STALL_TIMEOUT" validate:"gt=0"`
	// ResumeStorePath is the BadgerDB directory for resume records. Empty
	// keeps them in memory only.
	ResumeStorePath string `env:"TOXFILE_RESUME_STORE_PATH"`
	// DownloadDir receives accepted incoming files.
	DownloadDir string `env:"TOXFILE_DOWNLOAD_DIR" validate:"required"`
	// LogLevel is a logrus level name.
	LogLevel string `env:"TOXFILE_LOG_LEVEL" validate:"oneof=trace debug info warn warning error fatal panic"`
	// AutoResume resumes broken outgoing transfers when their friend comes back online.
	AutoResume bool `env:"TOXFILE_AUTO_RESUME"`

	// Transport overrides the UDP transport. The Client does not close it.
	Transport transport.Transport
	// Observer receives every transfer event in addition to the Client's own
	// bookkeeping.
	Observer file.Observer
}

// NewOptions creates a new Options with default values.
func NewOptions() *Options {
	return &Options{
		ListenAddr:          ":33445",
		IterationInterval:   50 * time.Millisecond,
		ChunkSize:           limits.DefaultChunkSize,
		WindowSize:          limits.DefaultWindowSize,
		SpeedSampleInterval: file.SpeedSampleInterval,
		StallTimeout:        file.DefaultStallTimeout,
		DownloadDir:         ".",
		LogLevel:            "info",
		AutoResume:          true,
	}
}

// OptionsFromEnviron returns the defaults overridden by TOXFILE_* environment
// variables.
func OptionsFromEnviron() (*Options, error) {
	options := NewOptions()
	if _, err := env.UnmarshalFromEnviron(options); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	return options, nil
}

// Validate checks the options for consistency.
func (o *Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	if o.ChunkSize > maxDataChunk {
		return fmt.Errorf("invalid options: chunk size %d exceeds %d", o.ChunkSize, maxDataChunk)
	}
	if o.WindowSize < uint64(o.ChunkSize) {
		return fmt.Errorf("invalid options: window size %d is smaller than chunk size %d", o.WindowSize, o.ChunkSize)
	}
	return nil
}
