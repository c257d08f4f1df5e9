// Package profile loads candidate profiles from disk.
package profile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoapply/api/schemas"
)

var extensions = []string{".yaml", ".yml", ".json"}

// FileProvider resolves profile references to YAML or JSON files. A reference
// is either a path to a profile file or a name looked up in the profile
// directory. Loaded profiles are cached for the life of the provider.
type FileProvider struct {
	dir      string
	validate *validator.Validate
	logger   *zap.Logger

	mu    sync.RWMutex
	cache map[string]*schemas.Profile
}

var _ schemas.ProfileProvider = (*FileProvider)(nil)

// NewFileProvider creates a provider rooted at dir.
func NewFileProvider(dir string, logger *zap.Logger) *FileProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileProvider{
		dir:      dir,
		validate: validator.New(),
		logger:   logger.Named("profile"),
		cache:    make(map[string]*schemas.Profile),
	}
}

// GetProfile returns a copy of the profile for ref. Unknown references wrap
// schemas.ErrProfileNotFound.
func (p *FileProvider) GetProfile(ctx context.Context, ref string) (*schemas.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("%w: empty reference", schemas.ErrProfileNotFound)
	}

	p.mu.RLock()
	cached, ok := p.cache[ref]
	p.mu.RUnlock()
	if ok {
		return clone(cached), nil
	}

	path, err := p.locate(ref)
	if err != nil {
		return nil, err
	}
	prof, err := p.load(path)
	if err != nil {
		return nil, err
	}
	if prof.Ref == "" {
		prof.Ref = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := p.Validate(prof); err != nil {
		return nil, fmt.Errorf("profile %s is invalid: %w", path, err)
	}

	p.mu.Lock()
	p.cache[ref] = prof
	p.mu.Unlock()
	p.logger.Debug("Loaded profile.", zap.String("ref", ref), zap.String("path", path))
	return clone(prof), nil
}

// Validate checks the profile's struct tags.
func (p *FileProvider) Validate(prof *schemas.Profile) error {
	if err := p.validate.Struct(prof); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			ve := verrs[0]
			return fmt.Errorf("field %s failed %q validation", ve.Field(), ve.Tag())
		}
		return err
	}
	return nil
}

func (p *FileProvider) locate(ref string) (string, error) {
	if fileExists(ref) {
		return ref, nil
	}
	if filepath.Ext(ref) == "" && p.dir != "" {
		for _, ext := range extensions {
			candidate := filepath.Join(p.dir, ref+ext)
			if fileExists(candidate) {
				return candidate, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s", schemas.ErrProfileNotFound, ref)
}

func (p *FileProvider) load(path string) (*schemas.Profile, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read profile %s: %w", path, err)
	}
	var prof schemas.Profile
	if err := v.Unmarshal(&prof); err != nil {
		return nil, fmt.Errorf("failed to decode profile %s: %w", path, err)
	}
	return &prof, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func clone(p *schemas.Profile) *schemas.Profile {
	c := *p
	if p.Extra != nil {
		c.Extra = make(map[string]string, len(p.Extra))
		for k, v := range p.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}
