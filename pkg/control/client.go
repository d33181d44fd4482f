package control

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/stewardproject/steward/pkg/types"
)

// Client speaks the control protocol over the engine's unix socket.
type Client struct {
	conn net.Conn
}

// Dial connects to the engine's control socket.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", path, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Do sends one request and reads its response.
func (c *Client) Do(op string, args interface{}) (*Response, error) {
	req := Request{Op: op}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal args: %w", err)
		}
		req.Args = raw
	}
	if err := WriteFrame(c.conn, req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	var resp Response
	if err := ReadFrame(c.conn, &resp); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &resp, nil
}

// Status fetches the engine status snapshot.
func (c *Client) Status() (*StatusData, *Response, error) {
	resp, err := c.Do(OpStatus, nil)
	if err != nil || !resp.OK {
		return nil, resp, err
	}
	var data StatusData
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, resp, fmt.Errorf("failed to decode status: %w", err)
	}
	return &data, resp, nil
}

// Pause pauses dispatch.
func (c *Client) Pause() (*Response, error) {
	return c.Do(OpPause, nil)
}

// Resume resumes dispatch.
func (c *Client) Resume() (*Response, error) {
	return c.Do(OpResume, nil)
}

// Interrupt cancels all busy slots.
func (c *Client) Interrupt() (*Response, error) {
	return c.Do(OpInterrupt, nil)
}

// FileIssue files a new issue and returns its id.
func (c *Client) FileIssue(args FileArgs) (string, *Response, error) {
	resp, err := c.Do(OpFile, args)
	if err != nil || !resp.OK {
		return "", resp, err
	}
	var data struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return "", resp, fmt.Errorf("failed to decode file response: %w", err)
	}
	return data.ID, resp, nil
}

// CommentIssue appends a comment to an issue.
func (c *Client) CommentIssue(args CommentArgs) (*Response, error) {
	return c.Do(OpComment, args)
}

// UpdateIssue applies a partial field update to an issue.
func (c *Client) UpdateIssue(args UpdateArgs) (*Response, error) {
	return c.Do(OpUpdate, args)
}

// InspectIssue fetches one full issue record.
func (c *Client) InspectIssue(id string) (*types.IssueRecord, *Response, error) {
	resp, err := c.Do(OpInspect, InspectArgs{ID: id})
	if err != nil || !resp.OK {
		return nil, resp, err
	}
	var rec types.IssueRecord
	if err := json.Unmarshal(resp.Data, &rec); err != nil {
		return nil, resp, fmt.Errorf("failed to decode issue: %w", err)
	}
	return &rec, resp, nil
}

// ListIssues fetches issue summaries, optionally filtered by phase.
func (c *Client) ListIssues(args ListArgs) ([]IssueSummary, *Response, error) {
	resp, err := c.Do(OpList, args)
	if err != nil || !resp.OK {
		return nil, resp, err
	}
	var summaries []IssueSummary
	if err := json.Unmarshal(resp.Data, &summaries); err != nil {
		return nil, resp, fmt.Errorf("failed to decode issue list: %w", err)
	}
	return summaries, resp, nil
}
