package postgres

import (
	"fmt"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tudragon/pvm-orchestrator/internal/domain"
)

// FeatureRepo is the feature-store read model (C9): product images and
// video frames with their extracted embeddings, backed by pgvector
// `vector(D)` columns. Vectors are written and matched via hand-built SQL
// casts to `::vector` rather than a dedicated driver type, the same
// construct-the-query-by-hand style the repo layer uses throughout.
type FeatureRepo struct{ Pool PgxPool }

// NewFeatureRepo constructs a FeatureRepo.
func NewFeatureRepo(p PgxPool) *FeatureRepo { return &FeatureRepo{Pool: p} }

// ProductImages returns every extracted image for productID that has an RGB
// embedding (features not yet extracted are excluded, matching the
// reference matcher's `emb_rgb IS NOT NULL` filter).
func (f *FeatureRepo) ProductImages(ctx domain.Context, productID string) ([]domain.ProductImage, error) {
	tracer := otel.Tracer("repo.features")
	ctx, span := tracer.Start(ctx, "features.ProductImages")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"), attribute.String("db.sql.table", "product_images"))

	q := `SELECT id, product_id, emb_rgb, emb_gray, COALESCE(keypoint_ref,'')
	      FROM product_images WHERE product_id=$1 AND emb_rgb IS NOT NULL`
	rows, err := f.Pool.Query(ctx, q, productID)
	if err != nil {
		return nil, fmt.Errorf("op=features.product_images: %w", err)
	}
	defer rows.Close()

	var out []domain.ProductImage
	for rows.Next() {
		var img domain.ProductImage
		var rgb, gray vectorLiteral
		if err := rows.Scan(&img.ID, &img.ProductID, &rgb, &gray, &img.KeypointRef); err != nil {
			return nil, fmt.Errorf("op=features.product_images_scan: %w", err)
		}
		img.EmbRGB = []float32(rgb)
		img.EmbGray = []float32(gray)
		out = append(out, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=features.product_images_rows: %w", err)
	}
	return out, nil
}

// VideoFrames returns every extracted frame for videoID with an RGB
// embedding, ordered by timestamp (matching the reference matcher's
// frame-ordering-by-ts behavior).
func (f *FeatureRepo) VideoFrames(ctx domain.Context, videoID string) ([]domain.VideoFrame, error) {
	tracer := otel.Tracer("repo.features")
	ctx, span := tracer.Start(ctx, "features.VideoFrames")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"), attribute.String("db.sql.table", "video_frames"))

	q := `SELECT id, video_id, ts_ms, emb_rgb, emb_gray, COALESCE(keypoint_ref,'')
	      FROM video_frames WHERE video_id=$1 AND emb_rgb IS NOT NULL ORDER BY ts_ms ASC`
	rows, err := f.Pool.Query(ctx, q, videoID)
	if err != nil {
		return nil, fmt.Errorf("op=features.video_frames: %w", err)
	}
	defer rows.Close()

	var out []domain.VideoFrame
	for rows.Next() {
		var fr domain.VideoFrame
		var rgb, gray vectorLiteral
		if err := rows.Scan(&fr.ID, &fr.VideoID, &fr.TimestampMS, &rgb, &gray, &fr.KeypointRef); err != nil {
			return nil, fmt.Errorf("op=features.video_frames_scan: %w", err)
		}
		fr.EmbRGB = []float32(rgb)
		fr.EmbGray = []float32(gray)
		out = append(out, fr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=features.video_frames_rows: %w", err)
	}
	return out, nil
}

// RetrieveSimilar returns the topK frames of videoID closest to query by
// pgvector cosine distance (`<=>`), mirroring the reference matcher's
// pgvector-backed ANN retrieval step that runs before the in-process
// keypoint re-score.
func (f *FeatureRepo) RetrieveSimilar(ctx domain.Context, videoID string, query []float32, topK int) ([]domain.VideoFrame, error) {
	tracer := otel.Tracer("repo.features")
	ctx, span := tracer.Start(ctx, "features.RetrieveSimilar")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"), attribute.String("db.sql.table", "video_frames"))

	q := `SELECT id, video_id, ts_ms, emb_rgb, emb_gray, COALESCE(keypoint_ref,'')
	      FROM video_frames
	      WHERE video_id=$1 AND emb_rgb IS NOT NULL
	      ORDER BY emb_rgb <=> $2::vector ASC
	      LIMIT $3`
	rows, err := f.Pool.Query(ctx, q, videoID, vectorLiteral(query).String(), topK)
	if err != nil {
		return nil, fmt.Errorf("op=features.retrieve_similar: %w", err)
	}
	defer rows.Close()

	var out []domain.VideoFrame
	for rows.Next() {
		var fr domain.VideoFrame
		var rgb, gray vectorLiteral
		if err := rows.Scan(&fr.ID, &fr.VideoID, &fr.TimestampMS, &rgb, &gray, &fr.KeypointRef); err != nil {
			return nil, fmt.Errorf("op=features.retrieve_similar_scan: %w", err)
		}
		fr.EmbRGB = []float32(rgb)
		fr.EmbGray = []float32(gray)
		out = append(out, fr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=features.retrieve_similar_rows: %w", err)
	}
	return out, nil
}

// CandidateIDs returns the products and videos collected for jobID, read
// from the association tables collectors populate during the collection
// phase.
func (f *FeatureRepo) CandidateIDs(ctx domain.Context, jobID string) ([]string, []string, error) {
	tracer := otel.Tracer("repo.features")
	ctx, span := tracer.Start(ctx, "features.CandidateIDs")
	defer span.End()

	productRows, err := f.Pool.Query(ctx, `SELECT product_id FROM job_products WHERE job_id=$1`, jobID)
	if err != nil {
		return nil, nil, fmt.Errorf("op=features.candidate_ids.products: %w", err)
	}
	defer productRows.Close()
	var productIDs []string
	for productRows.Next() {
		var id string
		if err := productRows.Scan(&id); err != nil {
			return nil, nil, fmt.Errorf("op=features.candidate_ids.products_scan: %w", err)
		}
		productIDs = append(productIDs, id)
	}
	if err := productRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("op=features.candidate_ids.products_rows: %w", err)
	}

	videoRows, err := f.Pool.Query(ctx, `SELECT video_id FROM job_videos WHERE job_id=$1`, jobID)
	if err != nil {
		return nil, nil, fmt.Errorf("op=features.candidate_ids.videos: %w", err)
	}
	defer videoRows.Close()
	var videoIDs []string
	for videoRows.Next() {
		var id string
		if err := videoRows.Scan(&id); err != nil {
			return nil, nil, fmt.Errorf("op=features.candidate_ids.videos_scan: %w", err)
		}
		videoIDs = append(videoIDs, id)
	}
	if err := videoRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("op=features.candidate_ids.videos_rows: %w", err)
	}

	return productIDs, videoIDs, nil
}

// vectorLiteral marshals/unmarshals a pgvector `vector(D)` column to/from
// its textual "[1,2,3]" wire representation via database/sql's Scan/Value,
// avoiding a dependency on a pgvector driver package.
type vectorLiteral []float32

// Scan implements sql.Scanner for the pgvector textual representation.
func (v *vectorLiteral) Scan(src interface{}) error {
	if src == nil {
		*v = nil
		return nil
	}
	var s string
	switch t := src.(type) {
	case string:
		s = t
	case []byte:
		s = string(t)
	default:
		return fmt.Errorf("unsupported vector scan type %T", src)
	}
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		*v = vectorLiteral{}
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return fmt.Errorf("parse vector component: %w", err)
		}
		out[i] = float32(f)
	}
	*v = out
	return nil
}

// String renders the "[1,2,3]" textual form pgvector expects for `::vector`.
func (v vectorLiteral) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
