package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"proposal-pipeline/internal/config"
	"proposal-pipeline/internal/domain/model"
	"proposal-pipeline/internal/infra/adapters/blob"
	pg "proposal-pipeline/internal/infra/db/postgres"
	"proposal-pipeline/internal/infra/logging"
	"proposal-pipeline/internal/usecase"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	force := flag.Bool("force", false, "overwrite existing rate sheets with the defaults")
	templatesDir := flag.String("templates", "", "directory of .docx/.pptx templates to upload")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log, false)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool, err := pg.Connect(ctx, cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres")
	}
	defer pool.Close()
	if err := pg.Migrate(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("migrate")
	}

	rates := pg.NewRateSheetRepo(pool)
	existing, err := rates.List(ctx, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("list rate sheets")
	}
	if len(existing) > 0 && !*force {
		fmt.Printf("%d rate sheets already present. No changes.\n", len(existing))
		for _, r := range existing {
			fmt.Printf("  - %s: $%.2f/h\n", r.RoleID, r.HourlyRate)
		}
	} else {
		for _, r := range model.DefaultRateSheets() {
			if err := rates.Upsert(ctx, nil, &r); err != nil {
				logger.Fatal().Err(err).Str("role", r.RoleID).Msg("upsert rate sheet")
			}
			fmt.Printf("seeded %s: $%.2f/h\n", r.RoleID, r.HourlyRate)
		}
	}

	if *templatesDir == "" {
		return
	}
	s3c, err := blob.NewS3Client(ctx, cfg.Blob.Region, cfg.Blob.Endpoint)
	if err != nil {
		logger.Fatal().Err(err).Msg("s3")
	}
	uc := usecase.NewProposalUseCase(nil, nil, blob.NewS3Store(s3c, cfg.Blob.TemplatesBucket), nil, cfg.Blob.PresignTTL, logger)

	entries, err := os.ReadDir(*templatesDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("read templates dir")
	}
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".docx" && ext != ".pptx") {
			continue
		}
		body, err := os.ReadFile(filepath.Join(*templatesDir, e.Name()))
		if err != nil {
			logger.Fatal().Err(err).Str("file", e.Name()).Msg("read template")
		}
		ref, err := uc.UploadTemplate(ctx, e.Name(), body)
		if err != nil {
			logger.Fatal().Err(err).Str("file", e.Name()).Msg("upload template")
		}
		fmt.Printf("uploaded %s\n", ref.Key)
	}
}
