package app

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"quizadmin/pkg/domain"
	"quizadmin/pkg/store"
)

const maxQuestionTextLength = 500

// QuestionInput is a question submitted for creation.
type QuestionInput struct {
	Text    string        `json:"question_text"`
	Choices []ChoiceInput `json:"choices"`
}

type ChoiceInput struct {
	Text      string `json:"choice_text"`
	IsCorrect bool   `json:"is_correct"`
}

// ListQuestions returns every question with its choices.
func (a *App) ListQuestions(ctx context.Context, token string) ([]domain.Question, error) {
	if _, err := a.Authorize(ctx, token, domain.ScopeQuestionsRead); err != nil {
		return nil, err
	}
	questions, err := a.store.ListQuestions(ctx)
	if err != nil {
		return nil, storageError(ctx, "list questions", err)
	}
	return questions, nil
}

// GetQuestion returns one question with its choices.
func (a *App) GetQuestion(ctx context.Context, token string, id uint) (domain.Question, error) {
	if _, err := a.Authorize(ctx, token, domain.ScopeQuestionsRead); err != nil {
		return domain.Question{}, err
	}
	q, ok, err := a.store.GetQuestion(ctx, id)
	if err != nil {
		return domain.Question{}, storageError(ctx, "get question", err)
	}
	if !ok {
		return domain.Question{}, ErrNotFound
	}
	return q, nil
}

// CreateQuestion validates and stores a question with its choices in one
// transaction. Blank choices are dropped; at least one choice must remain and
// at least one must be correct.
func (a *App) CreateQuestion(ctx context.Context, token string, in QuestionInput) (domain.Question, error) {
	p, err := a.Authorize(ctx, token, domain.ScopeQuestionsWrite)
	if err != nil {
		return domain.Question{}, err
	}
	q, err := normalizeQuestion(in)
	if err != nil {
		return domain.Question{}, err
	}
	created, err := a.store.CreateQuestion(ctx, q)
	if errors.Is(err, store.ErrConflict) {
		return domain.Question{}, validationError("a question with this text already exists")
	}
	if err != nil {
		return domain.Question{}, storageError(ctx, "create question", err)
	}
	audit(ctx, "question_create", "success", "username", p.Username, "question_id", created.ID)
	return created, nil
}

// DeleteQuestion removes a question; its choices are removed with it.
func (a *App) DeleteQuestion(ctx context.Context, token string, id uint) error {
	p, err := a.Authorize(ctx, token, domain.ScopeQuestionsDelete)
	if err != nil {
		return err
	}
	if err := a.store.DeleteQuestion(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return storageError(ctx, "delete question", err)
	}
	audit(ctx, "question_delete", "success", "username", p.Username, "question_id", id)
	return nil
}

func normalizeQuestion(in QuestionInput) (domain.Question, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return domain.Question{}, validationError("question text is required")
	}
	if utf8.RuneCountInString(text) > maxQuestionTextLength {
		return domain.Question{}, validationError("question text must be at most %d characters", maxQuestionTextLength)
	}
	q := domain.Question{Text: text}
	hasCorrect := false
	for _, c := range in.Choices {
		choiceText := strings.TrimSpace(c.Text)
		if choiceText == "" {
			continue
		}
		if utf8.RuneCountInString(choiceText) > maxQuestionTextLength {
			return domain.Question{}, validationError("choice text must be at most %d characters", maxQuestionTextLength)
		}
		q.Choices = append(q.Choices, domain.Choice{Text: choiceText, IsCorrect: c.IsCorrect})
		hasCorrect = hasCorrect || c.IsCorrect
	}
	if len(q.Choices) == 0 {
		return domain.Question{}, validationError("at least one choice is required")
	}
	if !hasCorrect {
		return domain.Question{}, validationError("at least one choice must be marked correct")
	}
	return q, nil
}
