package mcp

import "github.com/mark3labs/mcp-go/mcp"

var searchCardsTool = mcp.NewTool("search_cards",
	mcp.WithDescription("Search saved cards by meaning. Returns card ids, titles and a snippet of each card."),
	mcp.WithString("query",
		mcp.Required(),
		mcp.Description("Natural language search query"),
	),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of results to return (default 10)"),
	),
	mcp.WithString("domain",
		mcp.Description("Only return cards clipped from this domain"),
	),
)

var getCardTool = mcp.NewTool("get_card",
	mcp.WithDescription("Get the full text, source and tags of one card."),
	mcp.WithString("card_id",
		mcp.Required(),
		mcp.Description("Card id as returned by search_cards"),
	),
)

var listConnectionsTool = mcp.NewTool("list_connections",
	mcp.WithDescription("List the connections of a card and the cards on their other end."),
	mcp.WithString("card_id",
		mcp.Required(),
		mcp.Description("Card id"),
	),
	mcp.WithString("direction",
		mcp.Description("Which connections to follow (default both)"),
		mcp.Enum("incoming", "outgoing", "both"),
	),
)

var createNoteTool = mcp.NewTool("create_note",
	mcp.WithDescription("Create a note card, optionally connected to an existing card."),
	mcp.WithString("content",
		mcp.Required(),
		mcp.Description("Note text (markdown or HTML)"),
	),
	mcp.WithString("title",
		mcp.Description("Note title"),
	),
	mcp.WithArray("tags",
		mcp.Description("Tags for the note"),
		mcp.WithStringItems(),
	),
	mcp.WithString("related_card_id",
		mcp.Description("Card to connect the note to"),
	),
)
