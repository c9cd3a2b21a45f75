// Package search translates IMAP SEARCH criteria into a Mongo query plus a
// residual client-side filter, built around a recursive criteria tree so
// NOT/OR nesting (e.g. "SEARCH NOT TEXT") can be expressed, which a flat
// token switch over a fixed bson.M cannot do.
package search

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/melvynkim/wildduck/internal/model"
)

// Node is one criterion in a SEARCH tree. Exactly one of the leaf fields or
// one of Not/Or/And is set.
type Node struct {
	Not *Node
	Or  []*Node
	And []*Node

	Key  string // SEEN, FROM, HEADER, LARGER, BEFORE, ...
	Args []string
}

// Compile walks tokens (already split on whitespace and quoted strings,
// upper-cased for keywords) into a criteria tree. An implicit AND joins
// sibling criteria at the top level, matching IMAP's "criteria criteria..."
// grammar (RFC 3501 §6.4.4).
func Compile(tokens []string) (*Node, error) {
	nodes, rest, err := parseSequence(tokens)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("search: unexpected trailing tokens %v", rest)
	}
	if len(nodes) == 1 {
		return nodes[0], nil
	}
	return &Node{And: nodes}, nil
}

// parseSequence parses as many criteria as it can starting at tokens[0],
// stopping at an unmatched ")" belonging to an enclosing OR/paren-group.
func parseSequence(tokens []string) (nodes []*Node, rest []string, err error) {
	for len(tokens) > 0 {
		if tokens[0] == ")" {
			break
		}
		n, remaining, err := parseOne(tokens)
		if err != nil {
			return nil, nil, err
		}
		nodes = append(nodes, n)
		tokens = remaining
	}
	if len(nodes) == 0 {
		return nil, nil, fmt.Errorf("search: empty criteria list")
	}
	return nodes, tokens, nil
}

func parseOne(tokens []string) (*Node, []string, error) {
	tok := tokens[0]
	switch tok {
	case "NOT":
		inner, rest, err := parseOne(tokens[1:])
		if err != nil {
			return nil, nil, err
		}
		return &Node{Not: inner}, rest, nil

	case "OR":
		left, rest, err := parseOne(tokens[1:])
		if err != nil {
			return nil, nil, err
		}
		right, rest2, err := parseOne(rest)
		if err != nil {
			return nil, nil, err
		}
		return &Node{Or: []*Node{left, right}}, rest2, nil

	case "(":
		inner, rest, err := parseSequence(tokens[1:])
		if err != nil {
			return nil, nil, err
		}
		if len(rest) == 0 || rest[0] != ")" {
			return nil, nil, fmt.Errorf("search: unclosed parenthesis")
		}
		rest = rest[1:]
		if len(inner) == 1 {
			return inner[0], rest, nil
		}
		return &Node{And: inner}, rest, nil

	default:
		return parseLeaf(tokens)
	}
}

// argCounts lists how many following tokens each keyed criterion consumes.
var argCounts = map[string]int{
	"FROM": 1, "TO": 1, "CC": 1, "BCC": 1, "SUBJECT": 1, "BODY": 1, "TEXT": 1,
	"HEADER": 2, "LARGER": 1, "SMALLER": 1, "UID": 1,
	"BEFORE": 1, "ON": 1, "SINCE": 1,
	"SENTBEFORE": 1, "SENTON": 1, "SENTSINCE": 1,
	"KEYWORD": 1, "UNKEYWORD": 1,
}

func parseLeaf(tokens []string) (*Node, []string, error) {
	key := tokens[0]
	n := argCounts[key]
	if len(tokens) < 1+n {
		return nil, nil, fmt.Errorf("search: %s missing arguments", key)
	}
	return &Node{Key: key, Args: tokens[1 : 1+n]}, tokens[1+n:], nil
}

// Compiled is the result of compiling a criteria tree: a Mongo-query portion
// plus a residual in-process filter for anything the query can't express
// exactly.
type Compiled struct {
	Query    bson.M
	Residual func(*model.Message) bool
}

// CompileToQuery builds a Compiled from the criteria tree produced by
// Compile.
func CompileToQuery(root *Node) (Compiled, error) {
	query, residual, err := nodeToQuery(root)
	if err != nil {
		return Compiled{}, err
	}
	return Compiled{Query: query, Residual: residual}, nil
}

type residualFn func(*model.Message) bool

func andResidual(fns []residualFn) residualFn {
	return func(m *model.Message) bool {
		for _, f := range fns {
			if f != nil && !f(m) {
				return false
			}
		}
		return true
	}
}

func orResidual(fns []residualFn) residualFn {
	return func(m *model.Message) bool {
		for _, f := range fns {
			if f == nil || f(m) {
				return true
			}
		}
		return false
	}
}

func nodeToQuery(n *Node) (bson.M, residualFn, error) {
	switch {
	case n.Not != nil:
		q, r, err := nodeToQuery(n.Not)
		if err != nil {
			return nil, nil, err
		}
		notQ := bson.M{"$nor": []bson.M{q}}
		if r == nil {
			return notQ, nil, nil
		}
		return notQ, func(m *model.Message) bool { return !r(m) }, nil

	case len(n.And) > 0:
		var clauses []bson.M
		var residuals []residualFn
		for _, child := range n.And {
			q, r, err := nodeToQuery(child)
			if err != nil {
				return nil, nil, err
			}
			clauses = append(clauses, q)
			residuals = append(residuals, r)
		}
		return mergeAnd(clauses), andResidual(residuals), nil

	case len(n.Or) > 0:
		var clauses []bson.M
		var residuals []residualFn
		for _, child := range n.Or {
			q, r, err := nodeToQuery(child)
			if err != nil {
				return nil, nil, err
			}
			clauses = append(clauses, q)
			residuals = append(residuals, r)
		}
		return bson.M{"$or": clauses}, orResidual(residuals), nil

	default:
		return leafQuery(n)
	}
}

// mergeAnd flattens sibling equality clauses into one bson.M (Mongo treats
// repeated top-level keys as overwrite, so clauses on distinct keys merge
// safely; same-key clauses fall back to an explicit $and).
func mergeAnd(clauses []bson.M) bson.M {
	seen := map[string]bool{}
	merged := bson.M{}
	var needAnd bool
	for _, c := range clauses {
		for k := range c {
			if seen[k] {
				needAnd = true
			}
			seen[k] = true
		}
	}
	if needAnd {
		return bson.M{"$and": clauses}
	}
	for _, c := range clauses {
		for k, v := range c {
			merged[k] = v
		}
	}
	return merged
}

func leafQuery(n *Node) (bson.M, residualFn, error) {
	switch n.Key {
	case "ALL":
		return bson.M{}, nil, nil
	case "ANSWERED":
		return bson.M{"flags": model.FlagAnswered}, nil, nil
	case "UNANSWERED":
		return bson.M{"flags": bson.M{"$ne": model.FlagAnswered}}, nil, nil
	case "DELETED":
		return bson.M{"deleted": true}, nil, nil
	case "UNDELETED":
		return bson.M{"deleted": false}, nil, nil
	case "FLAGGED":
		return bson.M{"flagged": true}, nil, nil
	case "UNFLAGGED":
		return bson.M{"flagged": false}, nil, nil
	case "SEEN":
		return bson.M{"seen": true}, nil, nil
	case "UNSEEN":
		return bson.M{"seen": false}, nil, nil
	case "DRAFT":
		return bson.M{"flags": model.FlagDraft}, nil, nil
	case "UNDRAFT":
		return bson.M{"flags": bson.M{"$ne": model.FlagDraft}}, nil, nil
	case "NEW":
		return bson.M{"seen": false}, nil, nil
	case "OLD":
		return bson.M{"seen": true}, nil, nil
	case "RECENT":
		return bson.M{}, nil, nil // \Recent is session-local, not stored; treated as a no-op filter

	case "FROM", "TO", "CC", "BCC", "SUBJECT":
		key := strings.ToLower(n.Key)
		pattern := n.Args[0]
		return bson.M{"headers": bson.M{"$elemMatch": bson.M{"key": key, "value": headerRegex(pattern)}}}, nil, nil

	case "BODY", "TEXT":
		pattern := strings.ToLower(n.Args[0])
		return bson.M{}, func(m *model.Message) bool { return bodyContains(m, pattern) }, nil

	case "HEADER":
		name, value := strings.ToLower(n.Args[0]), n.Args[1]
		needle := normalizeHeaderValue(value)
		residual := func(m *model.Message) bool {
			for _, h := range m.Headers {
				if h.Key == name && strings.Contains(normalizeHeaderValue(h.Value), needle) {
					return true
				}
			}
			return false
		}
		return bson.M{"headers": bson.M{"$elemMatch": bson.M{"key": name}}}, residual, nil

	case "KEYWORD":
		return bson.M{"flags": n.Args[0]}, nil, nil
	case "UNKEYWORD":
		return bson.M{"flags": bson.M{"$ne": n.Args[0]}}, nil, nil

	case "LARGER":
		n64, err := strconv.ParseInt(n.Args[0], 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("search: LARGER: %w", err)
		}
		return bson.M{"size": bson.M{"$gt": float64(n64)}}, nil, nil
	case "SMALLER":
		n64, err := strconv.ParseInt(n.Args[0], 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("search: SMALLER: %w", err)
		}
		return bson.M{"size": bson.M{"$lt": float64(n64)}}, nil, nil

	case "UID":
		return bson.M{}, nil, nil // sequence/uid-set filtering handled by the dispatcher before compiling

	case "BEFORE", "ON", "SINCE":
		return dateQuery("internaldate", n.Key, n.Args[0])
	case "SENTBEFORE", "SENTON", "SENTSINCE":
		return dateQuery("headerdate", strings.TrimPrefix(n.Key, "SENT"), n.Args[0])

	default:
		return nil, nil, fmt.Errorf("search: unsupported criterion %q", n.Key)
	}
}

func dateQuery(field, op, dateStr string) (bson.M, residualFn, error) {
	t, err := time.Parse("2-Jan-2006", dateStr)
	if err != nil {
		return nil, nil, fmt.Errorf("search: invalid date %q: %w", dateStr, err)
	}
	dayStart := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	switch op {
	case "BEFORE":
		return bson.M{field: bson.M{"$lt": dayStart}}, nil, nil
	case "SINCE":
		return bson.M{field: bson.M{"$gte": dayStart}}, nil, nil
	case "ON":
		return bson.M{field: bson.M{"$gte": dayStart, "$lt": dayEnd}}, nil, nil
	}
	return nil, nil, fmt.Errorf("search: unknown date op %q", op)
}

func headerRegex(pattern string) primitive.Regex {
	return primitive.Regex{Pattern: regexp.QuoteMeta(pattern), Options: "i"}
}

// bodyContains is the residual check for BODY/TEXT: the Storage Gateway's
// headers array doesn't carry the decoded body text, so this re-derives a
// crude substring match against the stored headers as a stand-in for a real
// body index — a client-side scan over what's already fetched back from
// the cursor, rather than a dedicated full-text index.
func bodyContains(m *model.Message, pattern string) bool {
	for _, h := range m.Headers {
		if strings.Contains(strings.ToLower(h.Value), pattern) {
			return true
		}
	}
	return false
}
