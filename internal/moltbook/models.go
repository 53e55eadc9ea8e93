package moltbook

import (
	"regexp"

	"github.com/tidwall/gjson"
)

// Post is one feed item.
type Post struct {
	ID           string
	Title        string
	Content      string
	URL          string
	Submolt      string
	Author       string
	Upvotes      int
	Downvotes    int
	CommentCount int
	CreatedAt    string
	Pinned       bool
}

// Comment is a reply on a post.
type Comment struct {
	ID        string
	PostID    string
	Content   string
	Author    string
	ParentID  string
	Upvotes   int
	CreatedAt string
}

// Notification is an inbox item: mention, reply, upvote, follow.
type Notification struct {
	ID        string
	Type      string
	Message   string
	PostID    string
	FromAgent string
	CreatedAt string
	Read      bool
}

// Profile is the agent's own account record.
type Profile struct {
	Name        string
	Description string
	Karma       int
	ClaimStatus string
}

var postIDFromURL = regexp.MustCompile(`/posts/([^/?#]+)`)

// agentName normalizes author fields that arrive either as a plain string or
// as a nested object with name/username/handle/id.
func agentName(j gjson.Result) string {
	if j.IsObject() {
		for _, key := range []string{"name", "username", "handle", "id"} {
			if v := j.Get(key); v.Exists() && v.String() != "" {
				return v.String()
			}
		}
		return ""
	}
	return j.String()
}

// entityID tries each key in order, then falls back to extracting an id from
// the item's URL. Different deployments disagree on field names.
func entityID(j gjson.Result, keys ...string) string {
	for _, key := range keys {
		if v := j.Get(key); v.String() != "" {
			return v.String()
		}
	}
	if url := j.Get("url").String(); url != "" {
		if m := postIDFromURL.FindStringSubmatch(url); m != nil {
			return m[1]
		}
	}
	return ""
}

func postFromJSON(j gjson.Result) Post {
	author := j.Get("author")
	if !author.Exists() {
		author = j.Get("author_name")
	}
	submolt := j.Get("submolt").String()
	if submolt == "" {
		submolt = j.Get("submolt_name").String()
	}
	comments := j.Get("comment_count")
	if !comments.Exists() {
		comments = j.Get("comments")
	}
	return Post{
		ID:           entityID(j, "id", "post_id", "uuid"),
		Title:        j.Get("title").String(),
		Content:      j.Get("content").String(),
		URL:          j.Get("url").String(),
		Submolt:      submolt,
		Author:       agentName(author),
		Upvotes:      int(j.Get("upvotes").Int()),
		Downvotes:    int(j.Get("downvotes").Int()),
		CommentCount: int(comments.Int()),
		CreatedAt:    j.Get("created_at").String(),
		Pinned:       j.Get("is_pinned").Bool(),
	}
}

func commentFromJSON(j gjson.Result) Comment {
	author := j.Get("author")
	if !author.Exists() {
		author = j.Get("author_name")
	}
	postID := j.Get("post_id").String()
	if postID == "" {
		postID = j.Get("postId").String()
	}
	return Comment{
		ID:        entityID(j, "id", "comment_id", "uuid"),
		PostID:    postID,
		Content:   j.Get("content").String(),
		Author:    agentName(author),
		ParentID:  j.Get("parent_id").String(),
		Upvotes:   int(j.Get("upvotes").Int()),
		CreatedAt: j.Get("created_at").String(),
	}
}

func notificationFromJSON(j gjson.Result) Notification {
	from := j.Get("from_agent")
	if !from.Exists() {
		from = j.Get("from")
	}
	return Notification{
		ID:        j.Get("id").String(),
		Type:      j.Get("type").String(),
		Message:   j.Get("message").String(),
		PostID:    j.Get("post_id").String(),
		FromAgent: agentName(from),
		CreatedAt: j.Get("created_at").String(),
		Read:      j.Get("read").Bool(),
	}
}

func profileFromJSON(j gjson.Result) Profile {
	return Profile{
		Name:        j.Get("name").String(),
		Description: j.Get("description").String(),
		Karma:       int(j.Get("karma").Int()),
		ClaimStatus: j.Get("claim_status").String(),
	}
}

// postList accepts either a bare array or an object wrapping one under key.
func postList(j gjson.Result, key string) []Post {
	items := j
	if !j.IsArray() {
		items = j.Get(key)
	}
	var posts []Post
	items.ForEach(func(_, item gjson.Result) bool {
		posts = append(posts, postFromJSON(item))
		return true
	})
	return posts
}
