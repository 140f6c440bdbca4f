package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"trenerka/internal/models"
)

var (
	bucketConversations = []byte("conversations")
	bucketParticipants  = []byte("participants")
	bucketMessages      = []byte("messages")
	bucketDirectIndex   = []byte("direct_index")
)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketConversations, bucketParticipants, bucketMessages, bucketDirectIndex} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// DirectKey is the direct_index key for a two-party conversation. It is
// order-independent so the same pair always maps to the same conversation.
func DirectKey(a, b string) []byte {
	ids := []string{a, b}
	sort.Strings(ids)
	return []byte(strings.Join(ids, "|"))
}

// CreateConversation persists a new conversation with its participants.
// For direct conversations an existing conversation between the same two
// identities is returned instead of creating a duplicate. The second return
// value reports whether a new conversation was created.
func (s *BboltStorage) CreateConversation(conv models.Conversation) (models.Conversation, bool, error) {
	var (
		result  models.Conversation
		created bool
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if conv.Kind == models.ConversationKindDirect {
			key := DirectKey(conv.Participants[0].Identity, conv.Participants[1].Identity)
			if existingID := tx.Bucket(bucketDirectIndex).Get(key); existingID != nil {
				existing, err := loadConversation(tx, string(existingID))
				if err != nil {
					return err
				}
				result = *existing
				return nil
			}
			if err := tx.Bucket(bucketDirectIndex).Put(key, []byte(conv.ID)); err != nil {
				return err
			}
		}

		dbConv := &DBConversation{
			ID:           conv.ID,
			Kind:         string(conv.Kind),
			Name:         conv.Name,
			CreatedAt:    conv.CreatedAt.UnixNano(),
			LastActivity: conv.CreatedAt.UnixNano(),
		}
		data, err := dbConv.MarshalBinary()
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketConversations).Put(dbConv.Key(), data); err != nil {
			return err
		}

		pb, err := tx.Bucket(bucketParticipants).CreateBucketIfNotExists([]byte(conv.ID))
		if err != nil {
			return err
		}
		for _, p := range conv.Participants {
			dbPart := &DBParticipant{
				Identity: p.Identity,
				JoinedAt: p.JoinedAt.UnixNano(),
				IsAdmin:  p.IsAdmin,
			}
			data, err := dbPart.MarshalBinary()
			if err != nil {
				return err
			}
			if err := pb.Put(dbPart.Key(), data); err != nil {
				return err
			}
		}

		created = true
		result = conv
		result.LastActivity = conv.CreatedAt
		return nil
	})
	return result, created, err
}

// GetConversation returns a conversation with its participants loaded.
func (s *BboltStorage) GetConversation(id string) (models.Conversation, error) {
	var result models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		conv, err := loadConversation(tx, id)
		if err != nil {
			return err
		}
		result = *conv
		return nil
	})
	return result, err
}

// ListConversations returns every conversation the identity participates in.
func (s *BboltStorage) ListConversations(identity string) ([]models.Conversation, error) {
	var result []models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConversations).ForEach(func(k, v []byte) error {
			pb := tx.Bucket(bucketParticipants).Bucket(k)
			if pb == nil || pb.Get([]byte(identity)) == nil {
				return nil
			}
			conv, err := loadConversation(tx, string(k))
			if err != nil {
				return err
			}
			result = append(result, *conv)
			return nil
		})
	})
	return result, err
}

// AddParticipant adds identity to a group conversation. The requester must
// be an admin of the conversation.
func (s *BboltStorage) AddParticipant(convID, requester, identity string, isAdmin bool, now time.Time) (models.Participant, error) {
	var result models.Participant
	err := s.db.Update(func(tx *bbolt.Tx) error {
		conv, err := loadConversation(tx, convID)
		if err != nil {
			return err
		}
		if conv.Kind != models.ConversationKindGroup {
			return fmt.Errorf("%w: participants can only be added to group conversations", models.ErrInvalidArgument)
		}

		pb := tx.Bucket(bucketParticipants).Bucket([]byte(convID))
		reqData := pb.Get([]byte(requester))
		if reqData == nil {
			return fmt.Errorf("%w: not a participant of this conversation", models.ErrForbidden)
		}
		var reqPart DBParticipant
		if err := reqPart.UnmarshalBinary(reqData); err != nil {
			return err
		}
		if !reqPart.IsAdmin {
			return fmt.Errorf("%w: only admins can add participants", models.ErrForbidden)
		}
		if pb.Get([]byte(identity)) != nil {
			return fmt.Errorf("%w: already a participant", models.ErrInvalidArgument)
		}

		dbPart := &DBParticipant{
			Identity:    identity,
			JoinedAt:    now.UnixNano(),
			IsAdmin:     isAdmin,
			LastReadSeq: conv.LastSeq,
		}
		data, err := dbPart.MarshalBinary()
		if err != nil {
			return err
		}
		if err := pb.Put(dbPart.Key(), data); err != nil {
			return err
		}

		result = models.Participant{Identity: identity, JoinedAt: now, IsAdmin: isAdmin}
		return nil
	})
	return result, err
}

// AppendMessage persists a message with the next sequence id for the
// conversation and updates its last-activity timestamp. In the same
// transaction unread counters are bumped for every participant other than
// the sender, except identities in liveViewers whose read watermark is
// advanced instead. Returns the stored message and the identities whose
// watermark auto-advanced.
//
// bbolt runs a single write transaction at a time, which is the
// serialization point for per-conversation seq assignment: no two messages
// in the same conversation can observe the same LastSeq.
func (s *BboltStorage) AppendMessage(convID, sender, content string, now time.Time, liveViewers map[string]bool) (models.Message, []string, error) {
	var (
		result   models.Message
		advanced []string
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		conv, err := loadDBConversation(tx, convID)
		if err != nil {
			return err
		}

		conv.LastSeq++
		conv.LastActivity = now.UnixNano()

		dbMsg := &DBMessage{
			Seq:            conv.LastSeq,
			ConversationID: convID,
			Sender:         sender,
			Content:        content,
			CreatedAt:      now.UnixNano(),
		}
		mb, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(convID))
		if err != nil {
			return err
		}
		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return err
		}
		if err := mb.Put(dbMsg.Key(), data); err != nil {
			return err
		}

		convData, err := conv.MarshalBinary()
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketConversations).Put(conv.Key(), convData); err != nil {
			return err
		}

		// Mutating a bucket inside its own ForEach is undefined behavior in
		// bbolt, so collect the updated records first and write them after
		// the cursor walk.
		pb := tx.Bucket(bucketParticipants).Bucket([]byte(convID))
		var updates []*DBParticipant
		err = pb.ForEach(func(k, v []byte) error {
			var part DBParticipant
			if err := part.UnmarshalBinary(v); err != nil {
				return err
			}
			if part.Identity == sender {
				part.LastReadSeq = dbMsg.Seq
				part.Unread = 0
			} else if liveViewers[part.Identity] {
				// Watermark jumps to the head, so nothing is unread anymore.
				part.LastReadSeq = dbMsg.Seq
				part.Unread = 0
				advanced = append(advanced, part.Identity)
			} else {
				part.Unread++
			}
			updates = append(updates, &part)
			return nil
		})
		if err != nil {
			return err
		}
		for _, part := range updates {
			data, err := part.MarshalBinary()
			if err != nil {
				return err
			}
			if err := pb.Put(part.Key(), data); err != nil {
				return err
			}
		}

		result = messageFromDB(dbMsg)
		return nil
	})
	return result, advanced, err
}

// GetMessage returns a message by conversation and sequence id.
func (s *BboltStorage) GetMessage(convID string, seq int64) (models.Message, error) {
	var result models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbMsg, err := loadMessage(tx, convID, seq)
		if err != nil {
			return err
		}
		result = messageFromDB(dbMsg)
		return nil
	})
	return result, err
}

// EditMessage replaces message content. Only the original sender may edit;
// deleted messages cannot be edited.
func (s *BboltStorage) EditMessage(convID string, seq int64, identity, content string, now time.Time) (models.Message, error) {
	var result models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		dbMsg, err := loadMessage(tx, convID, seq)
		if err != nil {
			return err
		}
		if dbMsg.IsDeleted {
			return fmt.Errorf("%w: message %d is deleted", models.ErrNotFound, seq)
		}
		if dbMsg.Sender != identity {
			return fmt.Errorf("%w: can only edit your own messages", models.ErrForbidden)
		}

		dbMsg.Content = content
		dbMsg.EditedAt = now.UnixNano()
		dbMsg.IsEdited = true

		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketMessages).Bucket([]byte(convID)).Put(dbMsg.Key(), data); err != nil {
			return err
		}
		result = messageFromDB(dbMsg)
		return nil
	})
	return result, err
}

// DeleteMessage soft-deletes a message: content is cleared and the tombstone
// keeps its seq so ordering and unread math are unaffected.
func (s *BboltStorage) DeleteMessage(convID string, seq int64, identity string) (models.Message, error) {
	var result models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		dbMsg, err := loadMessage(tx, convID, seq)
		if err != nil {
			return err
		}
		if dbMsg.Sender != identity {
			return fmt.Errorf("%w: can only delete your own messages", models.ErrForbidden)
		}

		dbMsg.Content = ""
		dbMsg.IsDeleted = true

		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketMessages).Bucket([]byte(convID)).Put(dbMsg.Key(), data); err != nil {
			return err
		}
		result = messageFromDB(dbMsg)
		return nil
	})
	return result, err
}

// ListMessages returns one page of messages ordered oldest to newest.
// Offset counts back from the newest message: offset 0 is the latest page.
func (s *BboltStorage) ListMessages(convID string, limit, offset int) ([]models.Message, error) {
	var result []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		conv, err := loadDBConversation(tx, convID)
		if err != nil {
			return err
		}

		to := conv.LastSeq - int64(offset)
		from := to - int64(limit) + 1
		if to < 1 {
			return nil
		}
		if from < 1 {
			from = 1
		}

		mb := tx.Bucket(bucketMessages).Bucket([]byte(convID))
		if mb == nil {
			return nil
		}

		minKey := make([]byte, 8)
		binary.BigEndian.PutUint64(minKey, uint64(from))
		maxKey := make([]byte, 8)
		binary.BigEndian.PutUint64(maxKey, uint64(to))

		c := mb.Cursor()
		for k, v := c.Seek(minKey); k != nil && bytes.Compare(k, maxKey) <= 0; k, v = c.Next() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			result = append(result, messageFromDB(&dbMsg))
		}
		return nil
	})
	return result, err
}

// MarkRead advances the identity's read watermark and recomputes the unread
// counter. Watermarks are monotonic: an upToSeq behind the current mark is
// a silent no-op. Returns whether the watermark moved.
func (s *BboltStorage) MarkRead(convID, identity string, upToSeq int64) (bool, error) {
	var advanced bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		conv, err := loadDBConversation(tx, convID)
		if err != nil {
			return err
		}
		pb := tx.Bucket(bucketParticipants).Bucket([]byte(convID))
		data := pb.Get([]byte(identity))
		if data == nil {
			return fmt.Errorf("%w: not a participant of this conversation", models.ErrForbidden)
		}
		var part DBParticipant
		if err := part.UnmarshalBinary(data); err != nil {
			return err
		}

		if upToSeq > conv.LastSeq {
			upToSeq = conv.LastSeq
		}
		if upToSeq <= part.LastReadSeq {
			return nil
		}

		part.LastReadSeq = upToSeq
		part.Unread, err = countUnread(tx, convID, identity, upToSeq)
		if err != nil {
			return err
		}

		newData, err := part.MarshalBinary()
		if err != nil {
			return err
		}
		if err := pb.Put(part.Key(), newData); err != nil {
			return err
		}
		advanced = true
		return nil
	})
	return advanced, err
}

// UnreadCount returns the stored unread counter for the participant.
func (s *BboltStorage) UnreadCount(convID, identity string) (int64, error) {
	var count int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		pb := tx.Bucket(bucketParticipants).Bucket([]byte(convID))
		if pb == nil {
			return fmt.Errorf("%w: conversation %s", models.ErrNotFound, convID)
		}
		data := pb.Get([]byte(identity))
		if data == nil {
			return fmt.Errorf("%w: not a participant of this conversation", models.ErrForbidden)
		}
		var part DBParticipant
		if err := part.UnmarshalBinary(data); err != nil {
			return err
		}
		count = part.Unread
		return nil
	})
	return count, err
}

func countUnread(tx *bbolt.Tx, convID, identity string, watermark int64) (int64, error) {
	mb := tx.Bucket(bucketMessages).Bucket([]byte(convID))
	if mb == nil {
		return 0, nil
	}
	minKey := make([]byte, 8)
	binary.BigEndian.PutUint64(minKey, uint64(watermark+1))

	var count int64
	c := mb.Cursor()
	for k, v := c.Seek(minKey); k != nil; k, v = c.Next() {
		var dbMsg DBMessage
		if err := dbMsg.UnmarshalBinary(v); err != nil {
			return 0, err
		}
		if dbMsg.Sender != identity {
			count++
		}
	}
	return count, nil
}

func loadDBConversation(tx *bbolt.Tx, id string) (*DBConversation, error) {
	data := tx.Bucket(bucketConversations).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: conversation %s", models.ErrNotFound, id)
	}
	var conv DBConversation
	if err := conv.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &conv, nil
}

func loadConversation(tx *bbolt.Tx, id string) (*models.Conversation, error) {
	dbConv, err := loadDBConversation(tx, id)
	if err != nil {
		return nil, err
	}

	conv := &models.Conversation{
		ID:           dbConv.ID,
		Kind:         models.ConversationKind(dbConv.Kind),
		Name:         dbConv.Name,
		CreatedAt:    time.Unix(0, dbConv.CreatedAt),
		LastActivity: time.Unix(0, dbConv.LastActivity),
		LastSeq:      dbConv.LastSeq,
	}

	pb := tx.Bucket(bucketParticipants).Bucket([]byte(id))
	if pb != nil {
		err = pb.ForEach(func(k, v []byte) error {
			var part DBParticipant
			if err := part.UnmarshalBinary(v); err != nil {
				return err
			}
			conv.Participants = append(conv.Participants, models.Participant{
				Identity: part.Identity,
				JoinedAt: time.Unix(0, part.JoinedAt),
				IsAdmin:  part.IsAdmin,
			})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return conv, nil
}

func loadMessage(tx *bbolt.Tx, convID string, seq int64) (*DBMessage, error) {
	mb := tx.Bucket(bucketMessages).Bucket([]byte(convID))
	if mb == nil {
		return nil, fmt.Errorf("%w: message %d", models.ErrNotFound, seq)
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(seq))
	data := mb.Get(key)
	if data == nil {
		return nil, fmt.Errorf("%w: message %d", models.ErrNotFound, seq)
	}
	var dbMsg DBMessage
	if err := dbMsg.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &dbMsg, nil
}

func messageFromDB(m *DBMessage) models.Message {
	msg := models.Message{
		Seq:            m.Seq,
		ConversationID: m.ConversationID,
		Sender:         m.Sender,
		Content:        m.Content,
		CreatedAt:      time.Unix(0, m.CreatedAt),
		IsEdited:       m.IsEdited,
		IsDeleted:      m.IsDeleted,
	}
	if m.IsEdited {
		t := time.Unix(0, m.EditedAt)
		msg.EditedAt = &t
	}
	return msg
}
