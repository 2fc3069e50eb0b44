package timeline

// A Response is the rendered form of a timeline.
type Response struct {
	Name    string  `json:"name"`
	Entries []Entry `json:"entries"`
}

// An Entry is one rendered message of a timeline.
type Entry struct {
	Name      string     `json:"name"`
	Avatar    string     `json:"avatar"`
	Message   string     `json:"message"`
	Medias    []Media    `json:"medias"`
	Timestamp string     `json:"timestamp"`
	Reactions []Reaction `json:"reactions"`
	URL       *Summary   `json:"url,omitempty"`
}

// A Media is an attachment of an entry.
type Media struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// A Reaction is the number of reactions of one kind on an entry.
type Reaction struct {
	URL   string `json:"url"`
	Count int64  `json:"count"`
}

// A Summary is the link preview of the first URL in an entry's text.
type Summary struct {
	URL         string `json:"url"`
	Thumbnail   string `json:"thumbnail,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}
