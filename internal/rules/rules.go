// Package rules: авторизация записей и чтений в дереве для раскладки
// status/{uid}, chats/{chatId}/messages/{id}, chats/{chatId}/typing/{uid}.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/realtime"
)

// Rules реализует storage.Authorizer.
type Rules struct{}

func New() *Rules { return &Rules{} }

func deny(format string, args ...any) error {
	return fmt.Errorf("%w: %s", realtime.ErrPermissionDenied, fmt.Sprintf(format, args...))
}

// Participant сообщает, входит ли uid в чат, и возвращает второго участника.
// Идентификатор с "_" не может быть участником: id чата с ним неоднозначен.
func Participant(chatID, uid string) (other string, ok bool) {
	if uid == "" || strings.Contains(uid, "_") {
		return "", false
	}
	if strings.Count(chatID, "_") != 1 {
		return "", false
	}
	if rest, found := strings.CutPrefix(chatID, uid+"_"); found && rest != "" && uid < rest {
		return rest, true
	}
	if rest, found := strings.CutSuffix(chatID, "_"+uid); found && rest != "" && rest < uid {
		return rest, true
	}
	return "", false
}

func (r *Rules) AuthorizeRead(uid, path string) error {
	if uid == "" {
		return deny("unauthenticated")
	}
	segs := realtime.Split(path)
	if len(segs) == 0 {
		return deny("root is not readable")
	}
	switch segs[0] {
	case "status":
		return nil
	case "chats":
		if len(segs) < 2 {
			return deny("chat list is not readable")
		}
		if _, ok := Participant(segs[1], uid); !ok {
			return deny("not a participant of %s", segs[1])
		}
		return nil
	}
	return deny("path %s is not readable", path)
}

type recordWrite struct {
	path    string
	chatID  string
	changes []realtime.Change
	// fieldLevel: запись только в поля, без замены записи целиком.
	fieldLevel bool
}

func (r *Rules) AuthorizeWrite(ctx context.Context, rd realtime.Reader, uid string, changes []realtime.Change) error {
	if uid == "" {
		return deny("unauthenticated")
	}
	var records []*recordWrite
	byPath := make(map[string]*recordWrite)
	for _, ch := range changes {
		segs := realtime.Split(ch.Path)
		if len(segs) < 2 {
			return deny("write to %s", ch.Path)
		}
		switch segs[0] {
		case "status":
			if segs[1] != uid {
				return deny("status of %s belongs to its owner", segs[1])
			}
			continue
		case "chats":
		default:
			return deny("write to %s", ch.Path)
		}
		chatID := segs[1]
		if _, ok := Participant(chatID, uid); !ok {
			return deny("not a participant of %s", chatID)
		}
		if len(segs) < 4 {
			return deny("write to %s", ch.Path)
		}
		switch segs[2] {
		case "typing":
			if segs[3] != uid {
				return deny("typing flag of %s", segs[3])
			}
			if len(segs) > 4 || (ch.Value != nil && ch.Value != true) {
				return deny("typing flag must be true or absent")
			}
		case "messages":
			recPath := strings.Join(segs[:4], "/")
			rw, ok := byPath[recPath]
			if !ok {
				rw = &recordWrite{path: recPath, chatID: chatID}
				byPath[recPath] = rw
				records = append(records, rw)
			}
			rw.changes = append(rw.changes, realtime.Change{Path: strings.Join(segs[4:], "/"), Value: ch.Value})
			if len(segs) > 4 {
				rw.fieldLevel = true
			}
		default:
			return deny("write to %s", ch.Path)
		}
	}
	for _, rw := range records {
		if err := r.checkMessage(ctx, rd, uid, rw); err != nil {
			return err
		}
	}
	return nil
}

func (r *Rules) checkMessage(ctx context.Context, rd realtime.Reader, uid string, rw *recordWrite) error {
	cur, err := rd.Read(ctx, rw.path)
	if err != nil {
		return fmt.Errorf("rules: read %s: %w", rw.path, err)
	}
	next := clone(cur)
	for _, ch := range rw.changes {
		next = setIn(next, realtime.Split(ch.Path), ch.Value)
	}
	curRec, _ := cur.(map[string]any)
	nextRec, _ := next.(map[string]any)

	switch {
	case curRec == nil && nextRec == nil:
		return nil
	case curRec == nil:
		if rw.fieldLevel {
			return fmt.Errorf("%w: %s", realtime.ErrNotFound, rw.path)
		}
		return checkCreate(uid, rw.chatID, nextRec)
	case nextRec == nil:
		if curRec["from"] != uid {
			return deny("only the sender deletes a message")
		}
		return nil
	}
	return checkModify(uid, curRec, nextRec)
}

var createFields = map[string]bool{
	"text": true, "audioUrl": true, "audioDuration": true, "from": true, "to": true,
	"timestamp": true, "status": true, "edited": true,
}

func checkCreate(uid, chatID string, rec map[string]any) error {
	other, _ := Participant(chatID, uid)
	for k := range rec {
		if !createFields[k] {
			return deny("field %s is not allowed on create", k)
		}
	}
	if rec["from"] != uid {
		return deny("from must be the writer")
	}
	if rec["to"] != other {
		return deny("to must be the other participant")
	}
	if rec["status"] != string(model.MessageStatusSent) {
		return deny("new messages start as sent")
	}
	if e, ok := rec["edited"]; ok && e != false {
		return deny("new messages are not edited")
	}
	if _, ok := rec["timestamp"].(json.Number); !ok {
		return deny("timestamp must be a number")
	}
	text, hasText := rec["text"].(string)
	audio, hasAudio := rec["audioUrl"].(string)
	hasText = hasText && text != ""
	hasAudio = hasAudio && audio != ""
	if hasText == hasAudio {
		return deny("exactly one of text or audioUrl")
	}
	if _, ok := rec["audioDuration"]; ok && !hasAudio {
		return deny("audioDuration without audioUrl")
	}
	return nil
}

func checkModify(uid string, cur, next map[string]any) error {
	keys := make(map[string]struct{}, len(cur)+len(next))
	for k := range cur {
		keys[k] = struct{}{}
	}
	for k := range next {
		keys[k] = struct{}{}
	}
	sender, recipient := cur["from"], cur["to"]
	for k := range keys {
		a, b := cur[k], next[k]
		if reflect.DeepEqual(a, b) {
			continue
		}
		switch k {
		case "text":
			if sender != uid {
				return deny("only the sender edits a message")
			}
			if s, ok := b.(string); !ok || s == "" {
				return deny("text cannot be cleared")
			}
			if _, isAudio := cur["audioUrl"]; isAudio {
				return deny("audio messages have no text")
			}
		case "edited":
			if sender != uid || b != true {
				return deny("only the sender marks a message edited")
			}
		case "editedAt":
			if _, ok := b.(json.Number); sender != uid || !ok {
				return deny("only the sender sets editedAt")
			}
		case "status":
			if recipient != uid {
				return deny("only the recipient advances status")
			}
			from, _ := a.(string)
			to, _ := b.(string)
			if !model.MessageStatus(from).CanAdvanceTo(model.MessageStatus(to)) {
				return fmt.Errorf("%w: %w", realtime.ErrPermissionDenied, model.ErrStatusRegression)
			}
		case "reactions":
			if err := checkReactions(uid, a, b); err != nil {
				return err
			}
		default:
			return deny("field %s is immutable", k)
		}
	}
	return nil
}

func checkReactions(uid string, a, b any) error {
	am, _ := a.(map[string]any)
	bm, _ := b.(map[string]any)
	if (a != nil && am == nil) || (b != nil && bm == nil) {
		return deny("reactions must be a map")
	}
	for k, v := range bm {
		if reflect.DeepEqual(am[k], v) {
			continue
		}
		if k != uid {
			return deny("reaction of %s", k)
		}
		if s, ok := v.(string); !ok || s == "" {
			return deny("reaction must be an emoji string")
		}
	}
	for k := range am {
		if _, ok := bm[k]; !ok && k != uid {
			return deny("reaction of %s", k)
		}
	}
	return nil
}

func clone(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	out := make(map[string]any, len(m))
	for k, c := range m {
		out[k] = clone(c)
	}
	return out
}

// setIn возвращает root с value по относительному пути segs (nil удаляет).
func setIn(root any, segs []string, value any) any {
	if len(segs) == 0 {
		return value
	}
	m, ok := root.(map[string]any)
	if !ok {
		m = make(map[string]any)
	}
	child := setIn(m[segs[0]], segs[1:], value)
	if child == nil {
		delete(m, segs[0])
	} else {
		m[segs[0]] = child
	}
	if len(m) == 0 {
		return nil
	}
	return m
}
