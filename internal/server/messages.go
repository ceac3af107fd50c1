package server

import (
	"fmt"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	convdomain "github.com/wisdar/engine/internal/conversation/domain"
	"github.com/wisdar/engine/internal/jobs"
	"go.uber.org/zap"
)

var allowedUploadExts = map[string]bool{
	".mp3": true, ".wav": true, ".ogg": true, ".m4a": true,
	".webm": true, ".mp4": true, ".flac": true,
}

// PostMessage records the user's turn, creates the assistant placeholder
// and hands the work to the matching pipeline. The response returns both
// rows; everything after that arrives over the event stream.
func (s *Server) PostMessage(c *gin.Context) {
	conv, err := s.conversationFromPath(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	content := strings.TrimSpace(c.PostForm("content"))
	upload, _ := c.FormFile("attachment")
	if content == "" && upload == nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	if upload != nil {
		if conv.ServiceType != convdomain.ServiceChat {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		if !allowedUploadExts[strings.ToLower(filepath.Ext(upload.Filename))] {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
	}

	ctx := c.Request.Context()

	userMsg := &convdomain.Message{
		ID:             s.genID.Generate(),
		ConversationID: conv.ID,
		Role:           convdomain.RoleUser,
		Content:        content,
		Status:         convdomain.StatusComplete,
	}
	var att *convdomain.Attachment
	if upload != nil {
		userMsg.Status = convdomain.StatusTranscribing
		if userMsg.Content == "" {
			userMsg.Content = "Voice message"
		}
	}
	if err := s.repo.CreateMessage(ctx, userMsg); err != nil {
		AbortWithError(c, err)
		return
	}

	if upload != nil {
		att, err = s.storeUpload(userMsg.ID, upload)
		if err != nil {
			s.log.Error("store upload failed", zap.Error(err))
			AbortWithError(c, err)
			return
		}
		if err := s.repo.CreateAttachment(ctx, att); err != nil {
			AbortWithError(c, err)
			return
		}
		userMsg.Attachment = att
	}

	assistant := &convdomain.Message{
		ID:             s.genID.Generate(),
		ConversationID: conv.ID,
		Role:           convdomain.RoleAssistant,
		Status:         convdomain.StatusProcessing,
		ParentID:       &userMsg.ID,
	}

	var sourceID snowflake.ID
	if raw := strings.TrimSpace(c.PostForm("source_message_id")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || conv.ServiceType != convdomain.ServiceVideo {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		sourceID = snowflake.ID(parsed)
		source, err := s.repo.FindMessage(ctx, sourceID)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		assistant.EditedID = &sourceID
		assistant.Version = source.Version + 1
		assistant.EditInstructions = content
	}

	if err := s.repo.CreateMessage(ctx, assistant); err != nil {
		AbortWithError(c, err)
		return
	}

	task, queue, err := s.buildTask(conv, userMsg, assistant, att, sourceID, c.PostForm("voice"), c.PostForm("language"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.enqueue.Enqueue(ctx, task,
		asynq.Queue(queue),
		asynq.MaxRetry(s.cfg.Worker.MaxRetry),
	); err != nil {
		s.log.Error("enqueue failed", zap.String("type", task.Type()), zap.Error(err))
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"user_message":      userMsg,
		"assistant_message": assistant,
	})
}

// buildTask maps the conversation's service type onto the pipeline task
// that will fill the assistant placeholder.
func (s *Server) buildTask(
	conv *convdomain.Conversation,
	userMsg, assistant *convdomain.Message,
	att *convdomain.Attachment,
	sourceID snowflake.ID,
	voice, language string,
) (*asynq.Task, string, error) {
	account := conv.AccountID

	if att != nil {
		task, err := jobs.NewTranscriptionTask(jobs.TranscriptionPayload{
			AccountID:          account,
			ConversationID:     conv.ID,
			UserMessageID:      userMsg.ID,
			AssistantMessageID: assistant.ID,
			AttachmentID:       att.ID,
			Language:           language,
		})
		return task, jobs.QueueMedia, err
	}

	switch conv.ServiceType {
	case convdomain.ServiceChat:
		task, err := jobs.NewChatTask(jobs.ChatPayload{
			AccountID:      account,
			ConversationID: conv.ID,
			MessageID:      assistant.ID,
		})
		return task, jobs.QueueDefault, err
	case convdomain.ServiceImage:
		task, err := jobs.NewImageTask(jobs.ImagePayload{
			AccountID:      account,
			ConversationID: conv.ID,
			MessageID:      assistant.ID,
			Prompt:         userMsg.Content,
		})
		return task, jobs.QueueMedia, err
	case convdomain.ServiceTTS:
		task, err := jobs.NewTTSTask(jobs.TTSPayload{
			AccountID:      account,
			ConversationID: conv.ID,
			MessageID:      assistant.ID,
			Text:           userMsg.Content,
			Voice:          voice,
		})
		return task, jobs.QueueMedia, err
	case convdomain.ServiceVideo:
		if sourceID != 0 {
			task, err := jobs.NewVideoEditTask(jobs.VideoEditPayload{
				AccountID:       account,
				ConversationID:  conv.ID,
				MessageID:       assistant.ID,
				SourceMessageID: sourceID,
				Instructions:    userMsg.Content,
			})
			return task, jobs.QueueVideo, err
		}
		task, err := jobs.NewVideoPlanTask(jobs.VideoPlanPayload{
			AccountID:      account,
			ConversationID: conv.ID,
			MessageID:      assistant.ID,
			Prompt:         userMsg.Content,
		})
		return task, jobs.QueueVideo, err
	default:
		return nil, "", ErrInvalidRequest
	}
}

// storeUpload writes the file into the storage dir under a name scoped to
// the message, so uploads never collide or escape the directory.
func (s *Server) storeUpload(messageID snowflake.ID, upload *multipart.FileHeader) (*convdomain.Attachment, error) {
	if err := os.MkdirAll(s.cfg.StorageDir, 0o755); err != nil {
		return nil, err
	}
	base := filepath.Base(upload.Filename)
	dest := filepath.Join(s.cfg.StorageDir, fmt.Sprintf("upload_%s_%s", messageID, base))

	src, err := upload.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()
	out, err := os.Create(dest)
	if err != nil {
		return nil, err
	}
	defer out.Close()
	size, err := out.ReadFrom(src)
	if err != nil {
		os.Remove(dest)
		return nil, err
	}

	mimeType := upload.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return &convdomain.Attachment{
		ID:          s.genID.Generate(),
		MessageID:   messageID,
		FileName:    base,
		MimeType:    mimeType,
		StoragePath: dest,
		SizeBytes:   size,
	}, nil
}
