package compiler

import (
	"fmt"
	"strings"

	"github.com/querymesh/querymesh/internal/schema"
)

const matchSystem = `You are a database expert. Given a natural language query and a list of table/collection names,
identify which table or collection is most likely being referenced in the query.
Return ONLY the name of the table/collection, nothing else.`

const documentSystem = `You are a MongoDB query generator. Generate a MongoDB query based on the provided schema and natural language query.

Guidelines for MongoDB queries:
1. Return ONLY a valid JSON array for .aggregate() or JSON object for .find()
2. First line: Comment with collection name: // Collection: collection_name
3. Second line: Comment with operation type: // Operation: find or // Operation: aggregate
4. For .find(): Return a single JSON object with filter conditions
5. For .aggregate(): Return a JSON array of pipeline stages
6. Use MongoDB operators ($match, $group, $project, $sort, etc.) correctly
7. Convert string numbers to proper numeric types using $toInt or $toDouble in $project before calculations
8. Ensure $subtract operations have exactly two arguments
9. Perform type conversions in $project before calculations or comparisons
10. Output JSON in a single line without breaks, indentation, or extra spaces
11. Exclude explanations, markdown, or any non-JSON content
12. Apply $limit: %d if no limit specified
13. Validate schema field references to match provided schema
14. Handle date operations with $dateFromString or $dateToString when needed
15. Use $exists for null/undefined checks
16. For text searches, use $text with $search when appropriate`

const relationalSystem = `You are a %s query generator. Generate a SQL query based on the provided schema and natural language query.

Follow these rules:
1. Use standard SQL syntax compatible with %s
2. Include proper table aliases when joining tables
3. Use appropriate WHERE clauses for filtering
4. Use GROUP BY, HAVING, ORDER BY as needed
5. Limit results to a reasonable number (e.g., LIMIT %d) if not specified
6. Use proper SQL functions for calculations
7. Do not include any comments or explanations in the output
8. Do not include markdown formatting (no code fences)
9. Return only the raw SQL query text`

const titleSystem = `Generate a concise, descriptive title (maximum 50 characters) for the database query the user describes.
Only return the title, nothing else.`

func matchPrompt(d schema.Descriptor, text string) Prompt {
	user := "Available tables/collections:\n" + schema.TableNames(d) +
		"\nNatural language query: " + strings.TrimSpace(text) +
		"\n\nMost relevant table/collection name:"
	return Prompt{System: matchSystem, User: user}
}

func generationPrompt(backend schema.BackendKind, dialect string, rowLimit int, description, text string) Prompt {
	var system, label string
	switch backend {
	case schema.BackendDocument:
		system = fmt.Sprintf(documentSystem, rowLimit)
		label = "MongoDB Query:"
	default:
		if dialect == "" {
			dialect = "PostgreSQL"
		}
		system = fmt.Sprintf(relationalSystem, dialect, dialect, rowLimit)
		label = "SQL Query:"
	}
	user := "Schema:\n" + description +
		"\nNatural Language Query:\n" + strings.TrimSpace(text) +
		"\n\n" + label
	return Prompt{System: system, User: user}
}
