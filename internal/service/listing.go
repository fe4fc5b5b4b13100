// listing.go — листинг загруженных файлов с кэшированием.
package service

import (
	"context"
	"log/slog"
	"sort"

	"github.com/dustin/go-humanize"

	"github.com/yoshihisa11132/fileup/internal/cache"
	"github.com/yoshihisa11132/fileup/internal/config"
	"github.com/yoshihisa11132/fileup/internal/domain/mode"
	"github.com/yoshihisa11132/fileup/internal/domain/model"
	"github.com/yoshihisa11132/fileup/internal/security/naming"
)

// Границы пагинации листинга.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// ListParams — параметры листинга.
type ListParams struct {
	Limit    int
	Offset   int
	APIKey   string
	ClientIP string
}

// ListingService — листинг files/, кэшируемый в MetadataCache.
type ListingService struct {
	gateway

	// afterScan вызывается между сканированием и записью в кэш (тесты).
	afterScan func()
}

// NewListingService создаёт сервис листинга.
func NewListingService(cfg *config.Config, d Deps, logger *slog.Logger) *ListingService {
	return &ListingService{gateway: newGateway(cfg, d, logger, "listing_service")}
}

// List возвращает страницу листинга. Листинг раскрывает имена всех файлов,
// поэтому API-ключ обязателен независимо от политики скачивания.
func (s *ListingService) List(ctx context.Context, p ListParams) (*model.FileList, *Error) {
	serr := runGates(
		s.modeGate(mode.OpList),
		s.apiKeyGate(ctx, config.AuthRequired, p.APIKey, p.ClientIP),
	)
	if serr != nil {
		return nil, serr
	}

	items, err := s.all(ctx)
	if err != nil {
		s.logger.Error("Ошибка чтения листинга", slog.String("error", err.Error()))
		return nil, storageError("Ошибка чтения списка файлов")
	}

	limit := p.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	offset := p.Offset
	if offset < 0 {
		offset = 0
	}

	page := []model.StoredFile{}
	if offset < len(items) {
		end := offset + limit
		if end > len(items) {
			end = len(items)
		}
		page = items[offset:end]
	}
	return &model.FileList{Items: page, Total: len(items), Limit: limit, Offset: offset}, nil
}

// all возвращает полный листинг из кэша или сканирует директорию.
func (s *ListingService) all(ctx context.Context) ([]model.StoredFile, error) {
	key := cache.ListingKey(s.d.Files.DataDir())
	var gen uint64
	if s.d.Listing != nil {
		if items, ok := s.d.Listing.Get(key); ok {
			return items, nil
		}
		gen = s.d.Listing.Generation()
	}

	entries, err := s.d.Files.List()
	if err != nil {
		return nil, err
	}
	records, err := s.d.DeleteKeys.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]model.StoredFile, 0, len(entries))
	for _, e := range entries {
		rec, ok := records[e.Name]
		items = append(items, model.StoredFile{
			StoredFilename:   e.Name,
			OriginalFilename: naming.RestoreOriginal(e.Name),
			Size:             e.Size,
			SizeHuman:        humanize.IBytes(uint64(e.Size)),
			ModTime:          e.ModTime,
			Deletable:        ok && rec.Deletable(),
		})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].ModTime.Equal(items[j].ModTime) {
			return items[i].StoredFilename > items[j].StoredFilename
		}
		return items[i].ModTime.After(items[j].ModTime)
	})

	if s.afterScan != nil {
		s.afterScan()
	}
	if s.d.Listing != nil && !s.d.Listing.SetIfGeneration(key, items, s.cfg.ListingCacheTTL, gen) {
		s.logger.Debug("Листинг изменился во время сканирования, кэш не обновлён")
	}
	return items, nil
}
