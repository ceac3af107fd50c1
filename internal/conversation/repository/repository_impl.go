package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/wisdar/engine/internal/conversation/domain"
	"github.com/wisdar/engine/pkg/db/option"
	"github.com/wisdar/engine/pkg/repository"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// metadata merges retry on version conflicts; fan-outs are small so the
// loop terminates quickly in practice.
const maxMetadataRetries = 8

var terminalStatuses = []domain.Status{domain.StatusComplete, domain.StatusFailed}

type Params struct {
	fx.In

	DB *gorm.DB
}

type repo struct {
	db    *gorm.DB
	convs repository.Repository[domain.Conversation]
}

func Provide(p Params) domain.Repository {
	return &repo{
		db:    p.DB,
		convs: repository.ProvideStore[domain.Conversation](p.DB),
	}
}

func (r *repo) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	return r.convs.Create(ctx, conv)
}

func (r *repo) FindConversation(ctx context.Context, accountID, id snowflake.ID) (*domain.Conversation, error) {
	conv, err := r.convs.FindOne(ctx, &domain.Conversation{ID: id, AccountID: accountID})
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, domain.ErrConversationNotFound
	}
	return conv, nil
}

func (r *repo) ListConversations(ctx context.Context, accountID snowflake.ID, opts ...option.QueryOption) ([]*domain.Conversation, error) {
	query := &domain.Conversation{AccountID: accountID}
	all := append([]option.QueryOption{
		option.WithOrder("pinned desc, updated_at desc"),
	}, opts...)
	return r.convs.Find(ctx, query, all...)
}

func (r *repo) TouchConversation(ctx context.Context, id snowflake.ID, title string) error {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if title != "" {
		updates["title"] = title
	}
	return r.db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *repo) CreateMessage(ctx context.Context, msg *domain.Message) error {
	return r.db.WithContext(ctx).Create(msg).Error
}

func (r *repo) FindMessage(ctx context.Context, id snowflake.ID) (*domain.Message, error) {
	var msg domain.Message
	err := r.db.WithContext(ctx).
		Preload("Attachment").
		Where("id = ?", id).
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *repo) ListMessages(ctx context.Context, conversationID snowflake.ID) ([]*domain.Message, error) {
	var msgs []*domain.Message
	err := r.db.WithContext(ctx).
		Preload("Attachment").
		Where("conversation_id = ?", conversationID).
		Order("created_at asc, id asc").
		Find(&msgs).Error
	return msgs, err
}

func (r *repo) UpdateStatus(ctx context.Context, id snowflake.ID, status domain.Status, jobStatus string) (bool, error) {
	updates := map[string]any{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if jobStatus != "" {
		updates["job_status"] = jobStatus
	}
	return r.guardedUpdate(ctx, id, updates)
}

func (r *repo) CompleteMessage(ctx context.Context, id snowflake.ID, content, mediaURL string) (bool, error) {
	updates := map[string]any{
		"status":     domain.StatusComplete,
		"job_status": "",
		"updated_at": time.Now().UTC(),
	}
	if content != "" {
		updates["content"] = content
	}
	if mediaURL != "" {
		updates["media_url"] = mediaURL
	}
	return r.guardedUpdate(ctx, id, updates)
}

func (r *repo) FailMessage(ctx context.Context, id snowflake.ID, userText string) (bool, error) {
	return r.guardedUpdate(ctx, id, map[string]any{
		"status":     domain.StatusFailed,
		"content":    userText,
		"job_status": "",
		"updated_at": time.Now().UTC(),
	})
}

// guardedUpdate applies updates only while the message is non-terminal.
// Zero rows touched means either the message is gone or already terminal;
// the follow-up read tells the two apart.
func (r *repo) guardedUpdate(ctx context.Context, id snowflake.ID, updates map[string]any) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id = ? AND status NOT IN ?", id, terminalStatuses).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected > 0 {
		return true, nil
	}
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id = ?", id).
		Count(&count).Error; err != nil {
		return false, err
	}
	if count == 0 {
		return false, domain.ErrMessageNotFound
	}
	return false, nil
}

func (r *repo) AppendContent(ctx context.Context, id snowflake.ID, delta string) error {
	if delta == "" {
		return nil
	}
	return r.db.WithContext(ctx).Exec(
		`UPDATE messages SET content = content || ?, updated_at = ? WHERE id = ?`,
		delta, time.Now().UTC(), id,
	).Error
}

func (r *repo) SetMetadata(ctx context.Context, id snowflake.ID, meta domain.JobMetadata) error {
	raw, err := meta.Encode()
	if err != nil {
		return err
	}
	result := r.db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"job_metadata": raw,
			"updated_at":   time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

// errSlotRecorded aborts a metadata merge whose slot already holds a
// result. The merge is skipped without an error so redelivered fan-out
// tasks cannot advance the completion barrier twice.
var errSlotRecorded = errors.New("conversation: slot already recorded")

func (r *repo) RecordClipResult(ctx context.Context, id snowflake.ID, scene int, clipPath *string, quotaHit bool) (*domain.JobMetadata, bool, error) {
	return r.mergeMetadata(ctx, id, func(meta *domain.JobMetadata) error {
		if meta.Kind != domain.MetadataKindVideo || meta.Video == nil {
			return errors.New("conversation: message has no video progress record")
		}
		v := meta.Video
		if scene < 0 || scene >= len(v.ClipFiles) {
			return errors.New("conversation: scene index out of range")
		}
		if len(v.Done) < len(v.ClipFiles) {
			done := make([]bool, len(v.ClipFiles))
			copy(done, v.Done)
			v.Done = done
		}
		if v.Done[scene] {
			return errSlotRecorded
		}
		v.Done[scene] = true
		v.ClipFiles[scene] = clipPath
		v.Completed++
		if quotaHit {
			v.QuotaHits++
		}
		return nil
	})
}

func (r *repo) RecordChunkTranscript(ctx context.Context, id snowflake.ID, chunk int, text string) (*domain.JobMetadata, bool, error) {
	return r.mergeMetadata(ctx, id, func(meta *domain.JobMetadata) error {
		if meta.Kind != domain.MetadataKindTranscription || meta.Transcription == nil {
			return errors.New("conversation: message has no transcription progress record")
		}
		tr := meta.Transcription
		if chunk < 0 || chunk >= len(tr.Transcripts) {
			return errors.New("conversation: chunk index out of range")
		}
		if len(tr.Done) < len(tr.Transcripts) {
			done := make([]bool, len(tr.Transcripts))
			copy(done, tr.Done)
			tr.Done = done
		}
		if tr.Done[chunk] {
			return errSlotRecorded
		}
		tr.Done[chunk] = true
		tr.Transcripts[chunk] = text
		tr.Completed++
		return nil
	})
}

// mergeMetadata runs a read-modify-write on the progress record, guarded by
// the metadata version column. Concurrent fan-out workers each retry until
// their merge lands on a fresh read, so no completion is ever lost. The
// applied result is false when mutate refused the merge because the slot
// was already recorded; the metadata is then returned as read.
func (r *repo) mergeMetadata(ctx context.Context, id snowflake.ID, mutate func(*domain.JobMetadata) error) (*domain.JobMetadata, bool, error) {
	for attempt := 0; attempt < maxMetadataRetries; attempt++ {
		var msg domain.Message
		err := r.db.WithContext(ctx).
			Select("id", "job_metadata", "metadata_version").
			Where("id = ?", id).
			First(&msg).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, domain.ErrMessageNotFound
		}
		if err != nil {
			return nil, false, err
		}

		meta, err := domain.DecodeMetadata(msg.JobMetadata)
		if err != nil {
			return nil, false, err
		}
		if err := mutate(&meta); err != nil {
			if errors.Is(err, errSlotRecorded) {
				return &meta, false, nil
			}
			return nil, false, err
		}
		raw, err := meta.Encode()
		if err != nil {
			return nil, false, err
		}

		result := r.db.WithContext(ctx).Exec(
			`UPDATE messages SET job_metadata = ?, metadata_version = ?, updated_at = ?
			 WHERE id = ? AND metadata_version = ?`,
			raw, msg.MetadataVersion+1, time.Now().UTC(), id, msg.MetadataVersion,
		)
		if result.Error != nil {
			return nil, false, result.Error
		}
		if result.RowsAffected > 0 {
			return &meta, true, nil
		}
	}
	return nil, false, errors.New("conversation: metadata merge contention, giving up")
}

func (r *repo) CreateAttachment(ctx context.Context, att *domain.Attachment) error {
	return r.db.WithContext(ctx).Create(att).Error
}

func (r *repo) FindAttachment(ctx context.Context, id snowflake.ID) (*domain.Attachment, error) {
	var att domain.Attachment
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&att).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrAttachmentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &att, nil
}

func (r *repo) SetAttachmentTranscription(ctx context.Context, id snowflake.ID, text string) error {
	result := r.db.WithContext(ctx).
		Model(&domain.Attachment{}).
		Where("id = ?", id).
		Update("transcription", text)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrAttachmentNotFound
	}
	return nil
}
