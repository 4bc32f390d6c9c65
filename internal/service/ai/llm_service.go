package ai

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/mvallesp/arrowcoach/backend/internal/config"
	"github.com/mvallesp/arrowcoach/backend/internal/model/chat"
	"github.com/mvallesp/arrowcoach/backend/internal/service/turn"
)

// Service is the generation backend: a prompt template plus chat model
// compiled into a runnable chain.
type Service struct {
	chatModel model.ChatModel
	cfg       config.AIConfig
	logger    *zap.Logger
	chain     compose.Runnable[map[string]any, *schema.Message]
}

// NewService creates the backend from configuration.
func NewService(ctx context.Context, cfg config.AIConfig, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		chatModel: chatModel,
		cfg:       cfg,
		logger:    logger,
		chain:     runnable,
	}, nil
}

// StreamTurn opens one generation turn. When streaming is disabled in
// configuration it degrades to a single-shot request delivered as one delta.
func (s *Service) StreamTurn(ctx context.Context, history []chat.Message, userText, image string) (turn.DeltaStream, error) {
	input := s.buildChainInput(history, userText, image)

	if !s.cfg.StreamResponse {
		response, err := s.chain.Invoke(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to run coach chain: %w", err)
		}
		s.logger.Debug("generated single-shot response",
			zap.Int("length", len(response.Content)))
		return &singleDeltaStream{text: response.Content}, nil
	}

	stream, err := s.chain.Stream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to stream coach chain output: %w", err)
	}
	return &chainStream{inner: stream}, nil
}

// GetChatModel exposes the underlying model for auxiliary consumers.
func (s *Service) GetChatModel() model.ChatModel {
	return s.chatModel
}

func (s *Service) buildChainInput(history []chat.Message, userText, image string) map[string]any {
	query := userText
	if image != "" {
		// The vendor call carries only text; an attached photo is flagged so
		// the coach asks about it rather than ignoring it.
		query = userText + "\n\n(The archer attached a photo of their shot or form.)"
	}
	return map[string]any{
		"system":  BuildSystemPrompt(),
		"history": buildHistoryMessages(history),
		"query":   query,
	}
}

func buildHistoryMessages(messages []chat.Message) []*schema.Message {
	if len(messages) == 0 {
		return nil
	}
	history := make([]*schema.Message, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(msg.Content))
		case chat.RoleModel:
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		}
	}
	return history
}

// chainStream adapts the eino stream reader to the coordinator's contract.
type chainStream struct {
	inner *schema.StreamReader[*schema.Message]
}

func (s *chainStream) Recv() (turn.Delta, error) {
	for {
		chunk, err := s.inner.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return turn.Delta{}, io.EOF
			}
			return turn.Delta{}, err
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		return turn.Delta{Text: chunk.Content}, nil
	}
}

func (s *chainStream) Close() {
	s.inner.Close()
}

// singleDeltaStream delivers one complete response and then EOF, for the
// non-streaming degradation path.
type singleDeltaStream struct {
	text string
	done bool
}

func (s *singleDeltaStream) Recv() (turn.Delta, error) {
	if s.done {
		return turn.Delta{}, io.EOF
	}
	s.done = true
	return turn.Delta{Text: s.text}, nil
}

func (s *singleDeltaStream) Close() {}
