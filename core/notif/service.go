package notif

import (
	"context"
	"encoding/json"
	"fmt"
	"net/mail"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/mwalimu/core"
	"github.com/trezcool/mwalimu/core/user"
)

var nowFunc = time.Now // mockable

// Service delivers events through the channels implied by the user's
// preference: the in-app record always, email when enabled. It runs off the
// task broker so a channel outage never stalls the grading path.
type Service struct {
	repo     Repository
	users    user.Repository
	email    core.EmailService
	validate *validator.Validate
	log      core.Logger
	conf     *core.Config
}

func NewService(conf *core.Config, log core.Logger, repo Repository, users user.Repository, email core.EmailService) *Service {
	return &Service{
		repo:     repo,
		users:    users,
		email:    email,
		validate: validator.New(),
		log:      log,
		conf:     conf,
	}
}

// HandleSendTask consumes one send_notification delivery.
func (svc *Service) HandleSendTask(ctx context.Context, t core.Task) error {
	var pl SendPayload
	if err := json.Unmarshal(t.Payload, &pl); err != nil {
		return core.NewInputError("notification", errors.Wrap(err, "malformed task payload"))
	}
	if err := svc.validate.Struct(pl); err != nil {
		return core.NewInputError("notification", err)
	}

	usr, err := svc.users.GetUserByID(ctx, pl.UserID)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return core.NewInputError("notification", err)
		}
		return core.NewTransientError("notification", err)
	}

	n := Notification{
		ID:                uuid.New().String(),
		UserID:            pl.UserID,
		Type:              pl.Type,
		Content:           pl.Content,
		RelatedResourceID: pl.RelatedResourceID,
		CreatedAt:         nowFunc().UTC(),
	}
	if _, err = svc.repo.CreateNotification(ctx, n); err != nil {
		if errors.Is(err, ErrDuplicate) {
			// redelivered task; already fanned out
			return nil
		}
		return core.NewTransientError("notification", err)
	}

	if usr.IsActive && usr.EmailNotifications {
		svc.email.SendMessages(&core.EmailMessage{
			To:           []mail.Address{{Name: usr.Name, Address: usr.Email}},
			Subject:      svc.subject(pl.Type),
			TemplateName: pl.Type,
			TemplateData: struct {
				Name              string
				Content           string
				RelatedResourceID string
			}{usr.Name, pl.Content, pl.RelatedResourceID},
			BodyStr: pl.Content,
		})
	}
	svc.log.Debug(fmt.Sprintf("notified user %d: %s", pl.UserID, pl.Type))
	return nil
}

func (svc *Service) subject(typ string) string {
	switch typ {
	case TypeSubmissionGraded:
		return "A submission was graded"
	case TypeSubmissionError:
		return "A submission could not be processed"
	}
	return "Notification"
}
