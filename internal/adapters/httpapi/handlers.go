package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"jobchat/internal/app"
	"jobchat/internal/chat"
	"jobchat/internal/composer"
)

type sessionView struct {
	Actor     chat.Participant `json:"actor"`
	StartedAt time.Time        `json:"started_at"`
}

// conversationView is a conversation as seen by one participant.
type conversationView struct {
	chat.Conversation
	Counterpart chat.Participant `json:"counterpart"`
	UnreadCount int              `json:"unread_count"`
}

func viewFor(c chat.Conversation, actorID string) conversationView {
	other, _ := c.Counterpart(actorID)
	return conversationView{Conversation: c, Counterpart: other, UnreadCount: c.UnreadFor(actorID)}
}

type sendRequest struct {
	ConversationID string `json:"conversation_id"`
	RecipientID    string `json:"recipient_id"`
	JobID          string `json:"job_id"`
	JobTitle       string `json:"job_title"`
	Body           string `json:"body"`
}

func (r sendRequest) target(senderID string) composer.Target {
	if id := strings.TrimSpace(r.ConversationID); id != "" {
		return composer.ToConversation(id)
	}
	var job *chat.JobRef
	if id := strings.TrimSpace(r.JobID); id != "" {
		job = &chat.JobRef{ID: id, Title: strings.TrimSpace(r.JobTitle)}
	}
	return composer.ToParticipants(senderID, r.RecipientID, job)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) startSession(c echo.Context) error {
	sess, err := s.app.StartSession(c.Request().Context(), actorOf(c).ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, sessionView{Actor: sess.Actor(), StartedAt: sess.StartedAt()})
}

func (s *Server) endSession(c echo.Context) error {
	if _, err := s.ownSession(c); err != nil {
		return err
	}
	if err := s.app.EndSession(c.Request().Context()); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// ownSession returns the active session when the caller owns it.
func (s *Server) ownSession(c echo.Context) (*app.Session, error) {
	sess, err := s.app.Session()
	if err != nil {
		return nil, err
	}
	if sess.Actor().ID != actorOf(c).ID {
		return nil, chat.ErrNoSession
	}
	return sess, nil
}

func (s *Server) listConversations(c echo.Context) error {
	actor := actorOf(c)
	convs, err := s.app.Registry().ListConversations(c.Request().Context(), actor.ID)
	if err != nil {
		return err
	}
	out := make([]conversationView, 0, len(convs))
	for _, cv := range convs {
		out = append(out, viewFor(cv, actor.ID))
	}
	return c.JSON(http.StatusOK, out)
}

// participantConversation loads :id and checks the caller belongs to it.
func (s *Server) participantConversation(c echo.Context) (chat.Conversation, error) {
	conv, err := s.app.Registry().Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return chat.Conversation{}, err
	}
	if !conv.Has(actorOf(c).ID) {
		return chat.Conversation{}, echo.NewHTTPError(http.StatusForbidden, "not a participant of this conversation")
	}
	return conv, nil
}

func (s *Server) listMessages(c echo.Context) error {
	conv, err := s.participantConversation(c)
	if err != nil {
		return err
	}
	msgs, err := s.app.Registry().Messages(c.Request().Context(), conv.ID)
	if err != nil {
		return err
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	return c.JSON(http.StatusOK, msgs)
}

func (s *Server) markRead(c echo.Context) error {
	conv, err := s.participantConversation(c)
	if err != nil {
		return err
	}
	if err := s.app.Registry().MarkRead(c.Request().Context(), conv.ID, actorOf(c).ID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) sendMessage(c echo.Context) error {
	var req sendRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	actor := actorOf(c)
	msg, err := s.app.Composer().Send(c.Request().Context(), req.target(actor.ID), actor.ID, req.Body)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, msg)
}

func (s *Server) listNotifications(c echo.Context) error {
	sess, err := s.ownSession(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess.Feed().Snapshot())
}

func (s *Server) dismissNotification(c echo.Context) error {
	if _, err := s.ownSession(c); err != nil {
		return err
	}
	ok, err := s.app.Dismiss(c.Param("id"))
	if err != nil {
		return err
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "notification is not visible")
	}
	return c.NoContent(http.StatusNoContent)
}
