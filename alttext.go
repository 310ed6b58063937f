package alttext

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/chriskillpack/alttext/describer"
	"github.com/chriskillpack/alttext/internal/auth"
	"github.com/chriskillpack/alttext/internal/fetch"
	"github.com/chriskillpack/alttext/internal/llama"
	"github.com/chriskillpack/alttext/internal/openai"
	"github.com/chriskillpack/alttext/internal/sanitize"
)

const (
	// DefaultModel is the vision model requested when none is configured.
	DefaultModel = "xtuner/llava-llama-3-8b-v1_1-gguf"

	// DefaultTimeout bounds a single generation. Vision models on modest
	// hardware routinely take minutes.
	DefaultTimeout = 10 * time.Minute

	nonceAction = "alttext_nonce"
)

// Caller identifies the session and capabilities behind an admin request.
type Caller = auth.Caller

// CapabilitiesForRole returns the capabilities granted to an operator role.
func CapabilitiesForRole(role string) []string {
	return auth.CapabilitiesForRole(role)
}

// ServerConfig provides the model server address. It is read on every
// generation.
type ServerConfig interface {
	ServerAddress(ctx context.Context) (string, error)
}

// Settings is a ServerConfig that can also be changed.
type Settings interface {
	ServerConfig
	SetServerAddress(ctx context.Context, addr string) error
}

// MediaLibrary is the part of the image store the core reads and writes.
type MediaLibrary interface {
	ImageLookup
	AltTextWriter
}

type InitOptions struct {
	Llama  bool
	OpenAI bool

	Model  string // DefaultModel if empty
	APIKey string // openai backend only

	Library  MediaLibrary
	Settings Settings

	MediaBaseURL  string // resolves relative image URLs
	MaxImageBytes int64

	Secret []byte // signs nonces, at least 16 bytes

	HttpClient  *http.Client // model server, if nil uses a client with DefaultTimeout
	FetchClient *http.Client // image downloads, if nil uses http.DefaultClient

	Logger *log.Logger
}

type AltText struct {
	describer.Describer

	generator *Generator
	fetcher   *fetch.Fetcher
	store     *Store
	settings  Settings
	gate      *auth.Gate
	logger    *log.Logger
}

func Init(ato InitOptions) (*AltText, error) {
	var n int
	if ato.Llama {
		n++
	}
	if ato.OpenAI {
		n++
	}
	switch n {
	case 0:
		return nil, fmt.Errorf("no backend selected")
	case 1:
		// no-op
	default:
		return nil, fmt.Errorf("multiple backends selected, only one allowed")
	}

	if ato.Library == nil || ato.Settings == nil {
		return nil, fmt.Errorf("library and settings are required")
	}

	logger := ato.Logger
	if logger == nil {
		logger = log.Default()
	}
	model := ato.Model
	if model == "" {
		model = DefaultModel
	}
	httpClient := ato.HttpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}

	gate, err := auth.NewGate(ato.Secret, nonceAction)
	if err != nil {
		return nil, err
	}
	fetcher, err := fetch.New(ato.FetchClient, ato.MediaBaseURL, ato.MaxImageBytes)
	if err != nil {
		return nil, err
	}

	at := &AltText{
		fetcher:  fetcher,
		settings: ato.Settings,
		gate:     gate,
		logger:   logger,
	}
	if ato.Llama {
		at.Describer = llama.Init(ato.Settings.ServerAddress, model, httpClient, logger)
	} else if ato.OpenAI {
		at.Describer = openai.Init(ato.Settings.ServerAddress, model, ato.APIKey, httpClient)
	}
	at.generator = NewGenerator(ato.Library, fetcher, at.Describer, logger)
	at.store = NewStore(ato.Library, logger)

	return at, nil
}

// NewSession starts an admin session and returns its id.
func (at *AltText) NewSession() string {
	return auth.NewSession()
}

// Nonce returns the anti-forgery token to embed in pages served to session.
func (at *AltText) Nonce(session string) string {
	return at.gate.Nonce(session)
}

func (at *AltText) authorize(c Caller, op string) *Failure {
	if err := at.gate.Check(c, auth.CapManageOptions); err != nil {
		at.logger.Printf("%s - rejected: %s\n", op, err)
		return failed(Unauthorized, "Unauthorized")
	}
	return nil
}

// Generate returns a description of image id for the operator to review.
// Nothing is persisted.
func (at *AltText) Generate(ctx context.Context, c Caller, id int) GenerationResult {
	if f := at.authorize(c, "generate"); f != nil {
		return GenerationResult{Failure: f}
	}
	return at.generator.Generate(ctx, id)
}

// Save stores text verbatim as the alt text of image id. The error, if any,
// is a *Failure.
func (at *AltText) Save(ctx context.Context, c Caller, id int, text string) error {
	if f := at.authorize(c, "save"); f != nil {
		return f
	}
	return at.store.Save(ctx, id, text)
}

// SaveServerAddress sanitizes and stores the model server address. An empty
// address restores the default. An address that cannot be turned into an
// endpoint is rejected with InvalidSetting before anything is written.
func (at *AltText) SaveServerAddress(ctx context.Context, c Caller, addr string) error {
	if f := at.authorize(c, "settings"); f != nil {
		return f
	}

	addr = sanitize.TextField(addr)
	if addr != "" {
		if _, err := describer.BaseURL(addr); err != nil {
			return failed(InvalidSetting, err.Error())
		}
	}
	if err := at.settings.SetServerAddress(ctx, addr); err != nil {
		at.logger.Printf("settings - %s\n", err)
		return failed(PersistError, "Failed to save settings.")
	}

	return nil
}

// ServerAddress returns the current model server address.
func (at *AltText) ServerAddress(ctx context.Context) (string, error) {
	return at.settings.ServerAddress(ctx)
}

// ImageURL returns where the image stored under sourceURL is read from,
// resolving relative URLs the same way generation does.
func (at *AltText) ImageURL(sourceURL string) (*url.URL, error) {
	return at.fetcher.Resolve(sourceURL)
}
