// Package telegram implements internal/publish's Publisher interface for
// Telegram, grounded on the teacher's tgbotapi.NewBotAPI/bot.Send usage
// (agents/telegram-bot in the example pack) and generalized from a
// notification bot to a single-photo publisher.
package telegram

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/disintegration/imaging"

	"github.com/dhirmadi/imgpub/internal/publish"
)

// maxLongestEdge is the longest-edge pixel cap Telegram images are resized
// to before upload.
const maxLongestEdge = 1280

// maxCaptionLength is Telegram's own caption length limit.
const maxCaptionLength = 1024

// Publisher publishes one image to a fixed Telegram chat.
type Publisher struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// New builds a Telegram publisher. settings must contain a numeric
// "chat_id"; botToken is the resolved credential.
func New(settings map[string]any, botToken string) (*Publisher, error) {
	if botToken == "" {
		return nil, fmt.Errorf("telegram: bot token credential is required")
	}

	chatID, err := chatIDFromSettings(settings)
	if err != nil {
		return nil, err
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}

	return &Publisher{bot: bot, chatID: chatID}, nil
}

func chatIDFromSettings(settings map[string]any) (int64, error) {
	raw, ok := settings["chat_id"]
	if !ok {
		return 0, fmt.Errorf("telegram: settings.chat_id is required")
	}

	switch v := raw.(type) {
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("telegram: invalid chat_id %q: %w", v, err)
		}
		return id, nil
	default:
		return 0, fmt.Errorf("telegram: unsupported chat_id type %T", raw)
	}
}

func (p *Publisher) IsEnabled() bool   { return p.bot != nil }
func (p *Publisher) Platform() string { return "telegram" }

// Publish resizes the image so its longest edge is at most 1280px, caps the
// caption length, and sends it as a photo message.
func (p *Publisher) Publish(ctx context.Context, img publish.ImageRef, caption string, _ map[string]any) publish.Result {
	start := time.Now()

	resized, err := resizeLongestEdge(img.Bytes, maxLongestEdge)
	if err != nil {
		return failure(start, fmt.Sprintf("resize: %v", err))
	}

	if len(caption) > maxCaptionLength {
		caption = caption[:maxCaptionLength]
	}

	photo := tgbotapi.NewPhoto(p.chatID, tgbotapi.FileBytes{Name: img.Filename, Bytes: resized})
	photo.Caption = caption

	msg, err := p.bot.Send(photo)
	if err != nil {
		return failure(start, err.Error())
	}

	return publish.Result{
		Success:    true,
		PostID:     strconv.Itoa(msg.MessageID),
		Platform:   "telegram",
		DurationMS: time.Since(start).Milliseconds(),
	}
}

func failure(start time.Time, errMsg string) publish.Result {
	return publish.Result{
		Success:    false,
		Error:      errMsg,
		Platform:   "telegram",
		DurationMS: time.Since(start).Milliseconds(),
	}
}

// resizeLongestEdge decodes imgBytes, resizes it so the longest edge is at
// most maxEdge pixels (no-op if already smaller), and re-encodes as JPEG.
func resizeLongestEdge(imgBytes []byte, maxEdge int) ([]byte, error) {
	src, err := imaging.Decode(bytes.NewReader(imgBytes))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	bounds := src.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	longest := width
	if height > longest {
		longest = height
	}

	resized := src
	if longest > maxEdge {
		if width >= height {
			resized = imaging.Resize(src, maxEdge, 0, imaging.Lanczos)
		} else {
			resized = imaging.Resize(src, 0, maxEdge, imaging.Lanczos)
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}

	return buf.Bytes(), nil
}
